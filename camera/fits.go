package camera

import (
	"fmt"
	"io"
	"strings"

	"github.com/astrogo/fitsio"
)

// writeFITS streams one frame to w as a 16-bit FITS image with the usual
// unsigned-integer offset cards.
func writeFITS(w io.Writer, cards []fitsio.Card, f Frame) error {
	cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, len(f.Data))
	for i, px := range f.Data {
		ints[i] = int16(int(px) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// metaCards converts scalar metadata entries into FITS header cards.
// Non-scalar values and names that cannot fit a FITS keyword are skipped.
func metaCards(meta Meta) []fitsio.Card {
	cards := make([]fitsio.Card, 0, len(meta))
	for k, v := range meta {
		name := strings.ToUpper(strings.ReplaceAll(k, "_", "-"))
		if len(name) > 8 {
			name = name[:8]
		}
		switch v.(type) {
		case string, bool, int, int64, float64:
			cards = append(cards, fitsio.Card{Name: name, Value: v})
		case fmt.Stringer:
			cards = append(cards, fitsio.Card{Name: name, Value: fmt.Sprint(v)})
		}
	}
	return cards
}
