package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
)

// UnmarshalGeometry, merging featureCollections and geometryCollections into a multipolygon
func UnmarshalGeometry(data []byte) (_ geom.Geometry, err error) {
	var object struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, err
	}
	switch object.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
		var mp geom.MultiPolygon
		for _, f := range fc.Features {
			if err := mergeMultiPolygons(f.Geometry.Geometry, &mp); err != nil {
				return nil, err
			}
		}
		return mp, nil
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f.Geometry.Geometry, nil
	}
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return g.Geometry, nil
}

func mergeMultiPolygons(g geom.Geometry, mp *geom.MultiPolygon) error {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			if err := mergeMultiPolygons(g, mp); err != nil {
				return err
			}
		}
	}
	return nil
}

// GeoJSONToWKT converts a geojson document (geometry, feature or feature collection) into WKT
func GeoJSONToWKT(data []byte) (_ string, err error) {
	g, err := UnmarshalGeometry(data)
	if err != nil {
		return "", fmt.Errorf("GeoJSONToWKT.Unmarshal: %w", err)
	}
	if g == nil {
		return "", fmt.Errorf("GeoJSONToWKT: empty geometry")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("GeoJSONToWKT.Encode: %v", r)
		}
	}()
	return wkt.MustEncode(g), nil
}

// LoadFootprint reads a geojson file and returns its geometry as WKT
func LoadFootprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("LoadFootprint: %w", err)
	}
	footprint, err := GeoJSONToWKT(data)
	if err != nil {
		return "", fmt.Errorf("LoadFootprint[%s].%w", path, err)
	}
	return footprint, nil
}

// ToJSON writes v as a json file in workingdir. Nothing is written if workingdir is empty.
func ToJSON(v interface{}, workingdir, filename string) error {
	if workingdir != "" {
		vb, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("toJSON.Marshal: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
			return fmt.Errorf("toJSON.WriteFile: %w", err)
		}
	}
	return nil
}
