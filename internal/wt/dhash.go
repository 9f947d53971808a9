package wt

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// dhashSize is the downscale width used for the difference hash. The image
// is resized to dhashSize x (dhashSize-1) so that comparing horizontally
// adjacent pixels yields a square number of bits per row.
const dhashSize = 16

// DHash computes the difference hash of a map image: grayscale, downscale to
// 16x15, compare horizontally adjacent pixels (left brighter than right = 1)
// and pack the bits into a hex string. The same image always produces the
// same hash, which is what makes the hash usable as a map identity.
func DHash(data []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode map image: %w", err)
	}

	const width, height = dhashSize, dhashSize - 1
	gray := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(gray, gray.Bounds(), src, src.Bounds(), draw.Src, nil)

	bits := make([]byte, 0, height*(width-1))
	for y := 0; y < height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+width]
		for x := 0; x < width-1; x++ {
			if row[x] > row[x+1] {
				bits = append(bits, 1)
			} else {
				bits = append(bits, 0)
			}
		}
	}

	var buf bytes.Buffer
	for i := 0; i < len(bits); i += 4 {
		var nibble byte
		for j := 0; j < 4; j++ {
			nibble <<= 1
			if i+j < len(bits) {
				nibble |= bits[i+j]
			}
		}
		fmt.Fprintf(&buf, "%x", nibble)
	}
	return buf.String(), nil
}
