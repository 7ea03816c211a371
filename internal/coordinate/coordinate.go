// Package coordinate defines the Library of Babel coordinate type
// (§3.1) shared between internal/oracle (which resolves them) and
// internal/metadata (which persists them). It has no dependency on
// either, keeping both free of an import cycle.
package coordinate

import (
	"fmt"

	"github.com/faanross/babelstorage/internal/bserr"
	"github.com/faanross/babelstorage/internal/spec"
)

// Coordinate addresses a single page within the oracle. Coordinates
// are opaque to BabelStorage: only equality and round-trip-to-the-oracle
// matter, never arithmetic on the fields.
type Coordinate struct {
	Hexagon string `json:"hexagon"`
	Wall    int    `json:"wall"`
	Shelf   int    `json:"shelf"`
	Volume  int    `json:"volume"`
	Page    int    `json:"page"`
}

// Validate checks the domain constraints from §3.1.
func (c Coordinate) Validate() error {
	if c.Hexagon == "" {
		return bserr.New(bserr.OracleProtocolError, "coordinate has empty hexagon", nil)
	}
	if c.Wall < spec.WallMin || c.Wall > spec.WallMax {
		return bserr.New(bserr.OracleProtocolError, fmt.Sprintf("wall %d out of range [%d,%d]", c.Wall, spec.WallMin, spec.WallMax), nil)
	}
	if c.Shelf < spec.ShelfMin || c.Shelf > spec.ShelfMax {
		return bserr.New(bserr.OracleProtocolError, fmt.Sprintf("shelf %d out of range [%d,%d]", c.Shelf, spec.ShelfMin, spec.ShelfMax), nil)
	}
	if c.Volume < spec.VolumeMin || c.Volume > spec.VolumeMax {
		return bserr.New(bserr.OracleProtocolError, fmt.Sprintf("volume %d out of range [%d,%d]", c.Volume, spec.VolumeMin, spec.VolumeMax), nil)
	}
	if c.Page < spec.PageMin || c.Page > spec.PageMax {
		return bserr.New(bserr.OracleProtocolError, fmt.Sprintf("page %d out of range [%d,%d]", c.Page, spec.PageMin, spec.PageMax), nil)
	}
	return nil
}

// String renders the canonical "hexagon:…,wall:…,shelf:…,volume:…,page:…"
// form used both when parsing oracle responses and when building
// /browse query parameters.
func (c Coordinate) String() string {
	return fmt.Sprintf("hexagon:%s,wall:%d,shelf:%d,volume:%d,page:%d", c.Hexagon, c.Wall, c.Shelf, c.Volume, c.Page)
}

// Equal reports field-wise equality.
func (c Coordinate) Equal(o Coordinate) bool {
	return c.Hexagon == o.Hexagon && c.Wall == o.Wall && c.Shelf == o.Shelf && c.Volume == o.Volume && c.Page == o.Page
}
