package mapserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	p := Profile{
		ID:          1,
		URLBase:     "https://maps.example.com/wms?",
		URLTemplate: "BBOX={lonLL},{latLL},{lonUR},{latUR}&WIDTH={szWidth}&HEIGHT={szHight}",
	}

	url := p.Render(BBox{LonLL: 11.0, LatLL: 47.0, LonUR: 11.5, LatUR: 47.125}, PixelSize{W: 512, H: 512})

	assert.Equal(t,
		"https://maps.example.com/wms?BBOX=11.000000,47.000000,11.500000,47.125000&WIDTH=512&HEIGHT=512",
		url,
	)
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry([]Profile{{ID: 1, URLBase: "a"}, {ID: 2, URLBase: "b"}})

	p, ok := reg.Get(2)
	assert.True(t, ok)
	assert.Equal(t, "b", p.URLBase)

	_, ok = reg.Get(99)
	assert.False(t, ok)
}
