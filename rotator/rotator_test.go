package rotator

import "testing"

func TestParseAxis(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    Axis
		wantErr bool
	}{
		{"azimuth", Azimuth, false},
		{"AZ", Azimuth, false},
		{" elevation ", Elevation, false},
		{"el", Elevation, false},
		{"roll", 0, true},
		{"", 0, true},
	} {
		got, err := ParseAxis(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseAxis(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseAxis(%q) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestStatusAccessors(t *testing.T) {
	s := Status{AzPos: 12, ElPos: 34, ElReference: true}
	if s.Position(Azimuth) != 12 || s.Position(Elevation) != 34 {
		t.Errorf("Position = %v/%v, want 12/34", s.Position(Azimuth), s.Position(Elevation))
	}
	if s.Reference(Azimuth) || !s.Reference(Elevation) {
		t.Errorf("Reference = %v/%v, want false/true", s.Reference(Azimuth), s.Reference(Elevation))
	}
}
