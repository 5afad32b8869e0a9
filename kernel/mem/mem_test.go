package mem

import "testing"

func TestSizeOrder(t *testing.T) {
	specs := []struct {
		size Size
		exp  PageOrder
	}{
		{0, 0},
		{1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{PageSize << 3, 3},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Order(); got != spec.exp {
			t.Errorf("[spec %d] expected order %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{PageSize * 4, 4},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.exp, got)
		}
	}
}
