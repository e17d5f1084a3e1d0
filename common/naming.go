package common

import (
	"fmt"
	"regexp"
	"strings"
)

// Constellation defines the kind of satellites
type Constellation int

const (
	Unknown   Constellation = iota
	Sentinel1               // MMM_BB_TTTR_LFPP_YYYYMMDDTHHMMSS_YYYMMDDTHHMMSS_OOOOOO_DDDDDD_CCCC.SAFE
	Sentinel2               // MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Discriminator>.SAFE or MMM_CCCC_FFFFDDDDDD_ssss_YYYYMMDDTHHMMSS_ROOO_VYYYYMMTDDHHMMSS_YYYYMMTDDHHMMSS.SAFE
)

// DefaultNameTemplate names the downloaded file after the product
const DefaultNameTemplate = "{NAME}"

func GetConstellationFromProductId(productName string) Constellation {
	if strings.HasPrefix(productName, "S1") {
		return Sentinel1
	}
	if strings.HasPrefix(productName, "S2") {
		return Sentinel2
	}
	return Unknown
}

// Info splits the product name into its fields
func Info(productName string) (map[string]string, error) {
	switch GetConstellationFromProductId(productName) {
	case Sentinel1:
		if len(productName) < len("MMM_BB_TTTR_LFPP_YYYYMMDDTHHMMSS_YYYYMMDDTHHMMSS_OOOOOO_DDDDDD_CCCC") {
			return nil, fmt.Errorf("invalid Sentinel1 file name: %s", productName)
		}
		return map[string]string{
			"SCENE":            productName,
			"MISSION_ID":       productName[0:3],
			"MISSION_VERSION":  productName[2:3],
			"MODE":             productName[4:6],
			"PRODUCT_TYPE":     productName[7:10],
			"RESOLUTION":       productName[10:11],
			"PROCESSING_LEVEL": productName[12:13],
			"PRODUCT_CLASS":    productName[13:14],
			"POLARISATION":     productName[14:16],
			"DATE":             productName[17:25],
			"YEAR":             productName[17:21],
			"MONTH":            productName[21:23],
			"DAY":              productName[23:25],
			"TIME":             productName[26:32],
			"HOUR":             productName[26:28],
			"MINUTE":           productName[28:30],
			"SECOND":           productName[30:32],
			"ORBIT":            productName[49:55],
			"MISSION":          productName[56:62],
			"UNIQUE_ID":        productName[63:67],
		}, nil
	case Sentinel2:
		if len(productName) < len("MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Disc.>") {
			return nil, fmt.Errorf("invalid Sentinel2 file name: %s", productName)
		}
		if productName[10] == '_' {
			return map[string]string{
				"SCENE":           productName,
				"MISSION_ID":      productName[0:3],
				"MISSION_VERSION": productName[2:3],
				"PRODUCT_LEVEL":   productName[7:10],
				"DATE":            productName[11:19],
				"YEAR":            productName[11:15],
				"MONTH":           productName[15:17],
				"DAY":             productName[17:19],
				"TIME":            productName[20:26],
				"HOUR":            productName[20:22],
				"MINUTE":          productName[22:24],
				"SECOND":          productName[24:26],
				"PDGS":            productName[28:32],
				"ORBIT":           productName[34:37],
				"TILE":            productName[38:44],
				"LATITUDE_BAND":   productName[39:41],
				"GRID_SQUARE":     productName[41:42],
				"GRANULE_ID":      productName[42:44],
				"PRODUCT_DISC":    productName[45:60],
			}, nil
		} else if len(productName) < len("MMM_CCCC_FFFFDDDDDD_ssss_YYYYMMDDTHHMMSS_ROOO_VYYYYMMTDDHHMMSS_YYYYMMTDDHHMMSS") {
			return nil, fmt.Errorf("invalid Sentinel2 file name: %s", productName)
		}
		return map[string]string{
			"SCENE":         productName,
			"MISSION_ID":    productName[0:3],
			"PRODUCT_LEVEL": productName[16:19],
			"ORBIT":         productName[42:45],
		}, nil
	}
	return nil, fmt.Errorf("unknown constellation: %s", productName)
}

// FormatBrackets replaces all the {KEY} of str by the values of infos
func FormatBrackets(str string, infos ...map[string]string) string {
	for _, info := range infos {
		for k, v := range info {
			str = strings.ReplaceAll(str, "{"+k+"}", v)
		}
	}
	return str
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
var remainingBrackets = regexp.MustCompile(`\{[A-Z_]*\}`)

// ProductFileName returns the name of the archive of the product (without extension), given a template.
// The template accepts {ID}, {NAME} (product name without .SAFE) and the keys returned by Info.
// If the result is empty, the product id is used.
func ProductFileName(template string, product Product) string {
	if template == "" {
		template = DefaultNameTemplate
	}
	name := strings.TrimSuffix(product.Name, ".SAFE")
	infos := map[string]string{"ID": product.ID, "NAME": name}
	fields, _ := Info(name)

	filename := FormatBrackets(template, infos, fields)
	filename = remainingBrackets.ReplaceAllString(filename, "")
	filename = strings.Trim(unsafeFileChars.ReplaceAllString(filename, "_"), "_.")
	if filename == "" {
		return unsafeFileChars.ReplaceAllString(product.ID, "_")
	}
	return filename
}
