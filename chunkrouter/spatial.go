// Package chunkrouter implements the Chunk Router from spec §4.3: it
// translates viewports into chunk subscriptions, groups cell changes by
// chunk, stamps sequence numbers, and forwards through the Bus and the
// Session Hub.
package chunkrouter

import (
	"fmt"
	"math"
)

// ParseChunkId parses the canonical "<chunkX>,<chunkY>" form produced by
// ChunkId.String, for callers (e.g. a single subscribe-chunk transport
// event) that receive a chunk id without a viewport to derive it from.
func ParseChunkId(s string) (ChunkId, error) {
	var c ChunkId
	if _, err := fmt.Sscanf(s, "%d,%d", &c.X, &c.Y); err != nil {
		return ChunkId{}, fmt.Errorf("chunkrouter: invalid chunk id %q: %w", s, err)
	}
	return c, nil
}

// ChunkId is the pair (chunkX, chunkY) obtained by floor-dividing world
// coordinates by the chunk size (spec §3).
type ChunkId struct {
	X, Y int
}

// String renders the canonical "<chunkX>,<chunkY>" form.
func (c ChunkId) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

// Viewport is an axis-aligned rectangle in world coordinates (spec §3).
type Viewport struct {
	MinX, MaxX, MinY, MaxY float64
}

// Bounds is an axis-aligned rectangle, reused both for viewports and for
// the world-space bounds of a single chunk.
type Bounds = Viewport

// floorDiv performs floor division appropriate for negative coordinates,
// matching the spec's ⌊x/s⌋ notation (Go's integer division truncates
// toward zero, which is wrong for negative x).
func floorDiv(x float64, s int) int {
	return int(math.Floor(x / float64(s)))
}

// ChunkOf returns the chunk containing world point (x, y) for chunk size
// s: chunkOf(x, y) = (⌊x/s⌋, ⌊y/s⌋).
func ChunkOf(x, y float64, s int) ChunkId {
	return ChunkId{X: floorDiv(x, s), Y: floorDiv(y, s)}
}

// ChunksInViewport enumerates every chunk the viewport overlaps:
// { (cx, cy) | cx ∈ [⌊minX/s⌋, ⌊maxX/s⌋], cy ∈ [⌊minY/s⌋, ⌊maxY/s⌋] }.
func ChunksInViewport(v Viewport, s int) []ChunkId {
	minCx := floorDiv(v.MinX, s)
	maxCx := floorDiv(v.MaxX, s)
	minCy := floorDiv(v.MinY, s)
	maxCy := floorDiv(v.MaxY, s)

	out := make([]ChunkId, 0, (maxCx-minCx+1)*(maxCy-minCy+1))
	for cx := minCx; cx <= maxCx; cx++ {
		for cy := minCy; cy <= maxCy; cy++ {
			out = append(out, ChunkId{X: cx, Y: cy})
		}
	}
	return out
}

// ChunkSet returns the same enumeration as ChunksInViewport, keyed by the
// chunk's canonical string form, for set-diffing against another
// viewport's chunk set.
func ChunkSet(v Viewport, s int) map[string]ChunkId {
	chunks := ChunksInViewport(v, s)
	out := make(map[string]ChunkId, len(chunks))
	for _, c := range chunks {
		out[c.String()] = c
	}
	return out
}

// BoundsOfChunk returns the world-space bounds of a chunk:
// (cx·s, (cx+1)·s−1, cy·s, (cy+1)·s−1).
func BoundsOfChunk(c ChunkId, s int) Bounds {
	fs := float64(s)
	return Bounds{
		MinX: float64(c.X) * fs,
		MaxX: float64(c.X+1)*fs - 1,
		MinY: float64(c.Y) * fs,
		MaxY: float64(c.Y+1)*fs - 1,
	}
}

// FromCenter builds a viewport of width w and height h centered on
// (cx, cy), using floor(minX)/ceil(maxX)/floor(minY)/ceil(maxY) so
// boundary cells are always included (spec §4.3).
func FromCenter(cx, cy, w, h float64) Viewport {
	return Viewport{
		MinX: math.Floor(cx - w/2),
		MaxX: math.Ceil(cx + w/2),
		MinY: math.Floor(cy - h/2),
		MaxY: math.Ceil(cy + h/2),
	}
}

// ExpandBounds adds a symmetric buffer to every edge of v.
func ExpandBounds(v Viewport, buf float64) Viewport {
	return Viewport{
		MinX: v.MinX - buf,
		MaxX: v.MaxX + buf,
		MinY: v.MinY - buf,
		MaxY: v.MaxY + buf,
	}
}

// Intersects reports whether a and b overlap, using strict less-than
// inequality tests on the four edges (spec §4.3/E6):
// ¬(a.maxX < b.minX ∨ a.minX > b.maxX ∨ a.maxY < b.minY ∨ a.minY > b.maxY).
func Intersects(a, b Bounds) bool {
	return !(a.MaxX < b.MinX || a.MinX > b.MaxX || a.MaxY < b.MinY || a.MinY > b.MaxY)
}
