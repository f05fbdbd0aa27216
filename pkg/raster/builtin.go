package raster

import "math"

func init() {
	Register("checkerboard", checkerboard)
	Register("progress", progress)
}

// checkerboard fills the surface with alternating squares.
//
//	{"size": 16, "colors": ["#ffffff", "#cccccc"]}
func checkerboard(s *Surface) error {
	p := struct {
		Size   float64  `json:"size"`
		Colors []string `json:"colors"`
	}{Size: 16, Colors: []string{"#ffffff", "#cccccc"}}
	if err := s.Decode(&p); err != nil {
		return err
	}
	if p.Size <= 0 || len(p.Colors) < 2 {
		return errInvalidPayload("checkerboard needs a positive size and two colors")
	}
	cols := int(math.Ceil(float64(s.Width) / p.Size))
	rows := int(math.Ceil(float64(s.Height) / p.Size))
	for row := range rows {
		for col := range cols {
			if err := s.setColor(p.Colors[(row+col)%2], ""); err != nil {
				return err
			}
			s.DrawRectangle(float64(col)*p.Size, float64(row)*p.Size, p.Size, p.Size)
			if err := s.Fill(); err != nil {
				return err
			}
		}
	}
	return nil
}

// progress draws a horizontal bar filled to value (0..1).
//
//	{"value": 0.4, "color": "#4caf50", "track": "#333333", "radius": 6}
func progress(s *Surface) error {
	p := struct {
		Value  float64 `json:"value"`
		Color  string  `json:"color"`
		Track  string  `json:"track"`
		Radius float64 `json:"radius"`
	}{Color: "#4caf50", Track: "#333333"}
	if err := s.Decode(&p); err != nil {
		return err
	}
	v := math.Max(0, math.Min(1, p.Value))
	w, h := float64(s.Width), float64(s.Height)

	if err := s.apply(Op{Kind: OpRect, W: w, H: h, Radius: p.Radius, Color: p.Track}); err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return s.apply(Op{Kind: OpRect, W: w * v, H: h, Radius: p.Radius, Color: p.Color})
}
