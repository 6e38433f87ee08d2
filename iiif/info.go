package iiif

import (
	"github.com/greut/melon/domain"
)

// ImageProfile contains the technical properties about the service.
type ImageProfile struct {
	Context   string   `json:"@context,omitempty"`
	ID        string   `json:"@id,omitempty"`
	Type      string   `json:"@type,omitempty"` // empty or iiif:ImageProfile
	Formats   []string `json:"formats"`
	Qualities []string `json:"qualities"`
	Supports  []string `json:"supports,omitempty"`
}

// Size lists one available downscale of the full image.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Tile describes the tiling of the underlying source.
type Tile struct {
	Width        int   `json:"width"`
	Height       int   `json:"height,omitempty"`
	ScaleFactors []int `json:"scaleFactors"`
}

// Info is the info.json document.
type Info struct {
	Context  string        `json:"@context"`
	ID       string        `json:"@id"`
	Type     string        `json:"@type"`
	Protocol string        `json:"protocol"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Sizes    []Size        `json:"sizes,omitempty"`
	Tiles    []Tile        `json:"tiles,omitempty"`
	Profile  []interface{} `json:"profile"`
}

// NewInfo renders the info.json document for a source layout.
func NewInfo(id string, info domain.ImageInfo) *Info {
	doc := &Info{
		Context:  "http://iiif.io/api/image/2/context.json",
		ID:       id,
		Type:     "iiif:Image",
		Protocol: "http://iiif.io/api/image",
		Width:    info.Width,
		Height:   info.Height,
		Profile: []interface{}{
			"http://iiif.io/api/image/2/level2.json",
			&ImageProfile{
				Formats:   []string{"jpg", "png", "tif", "gif"},
				Qualities: []string{"default", "color", "gray", "bitonal"},
				Supports: []string{
					"regionByPct",
					"regionByPx",
					"regionSquare",
					"rotationArbitrary",
					"rotationBy90s",
					"mirroring",
					"sizeByConfinedWh",
					"sizeByDistortedWh",
					"sizeByH",
					"sizeByPct",
					"sizeByW",
					"sizeByWh",
				},
			},
		},
	}

	for i, level := range info.Levels {
		if i == 0 {
			continue
		}
		doc.Sizes = append(doc.Sizes, Size{Width: level.Width, Height: level.Height})
	}
	if tw := info.Levels[0].TileWidth; tw > 0 {
		tile := Tile{Width: tw, Height: info.Levels[0].TileHeight}
		for i := range info.Levels {
			tile.ScaleFactors = append(tile.ScaleFactors, 1<<i)
		}
		doc.Tiles = append(doc.Tiles, tile)
	}
	return doc
}
