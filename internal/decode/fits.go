package decode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"astrostack/internal/frame"
)

// FITS stores headers in 2880-byte blocks of 36 records, 80 bytes each.
const (
	fitsBlockSize  = 2880
	fitsRecordSize = 80
)

// ReadFITS decodes a single-HDU FITS image into a float32 frame. Supported
// BITPIX values are 8, 16, 32, -32 and -64; BZERO/BSCALE are applied, and
// EXPTIME/FILTER headers populate the frame metadata.
func ReadFITS(path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readFITS(bufio.NewReader(fh))
}

func readFITS(r io.Reader) (*frame.Frame, error) {
	var bitpix, naxis, width, height int
	bzero, bscale := 0.0, 1.0
	exposure := 0.0
	filter := ""

	record := make([]byte, fitsRecordSize)
	headerDone := false
	for !headerDone {
		for i := 0; i < fitsBlockSize/fitsRecordSize; i++ {
			if _, err := io.ReadFull(r, record); err != nil {
				return nil, fmt.Errorf("reading header record: %w", err)
			}
			keyword := strings.TrimSpace(string(record[:8]))
			if keyword == "END" {
				headerDone = true
				continue // remaining records of the block are padding
			}
			if headerDone || record[8] != '=' {
				continue
			}
			value := strings.TrimSpace(strings.SplitN(string(record[10:]), "/", 2)[0])
			switch keyword {
			case "BITPIX":
				bitpix, _ = strconv.Atoi(value)
			case "NAXIS":
				naxis, _ = strconv.Atoi(value)
			case "NAXIS1":
				width, _ = strconv.Atoi(value)
			case "NAXIS2":
				height, _ = strconv.Atoi(value)
			case "BZERO":
				bzero, _ = strconv.ParseFloat(value, 64)
			case "BSCALE":
				bscale, _ = strconv.ParseFloat(value, 64)
			case "EXPTIME", "EXPOSURE":
				exposure, _ = strconv.ParseFloat(value, 64)
			case "FILTER":
				filter = strings.Trim(value, "' ")
			}
		}
	}

	if naxis < 2 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("not a 2D image: NAXIS=%d NAXIS1=%d NAXIS2=%d", naxis, width, height)
	}

	n := width * height
	f := frame.New(width, height)
	f.Exposure = exposure
	f.Filter = filter

	switch bitpix {
	case 8:
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 8-bit data: %w", err)
		}
		for i, b := range raw {
			f.Pixels[i] = float32(float64(b)*bscale + bzero)
		}
	case 16:
		raw := make([]byte, n*2)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 16-bit data: %w", err)
		}
		for i := 0; i < n; i++ {
			v := int16(binary.BigEndian.Uint16(raw[i*2:]))
			f.Pixels[i] = float32(float64(v)*bscale + bzero)
		}
	case 32:
		raw := make([]byte, n*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading 32-bit data: %w", err)
		}
		for i := 0; i < n; i++ {
			v := int32(binary.BigEndian.Uint32(raw[i*4:]))
			f.Pixels[i] = float32(float64(v)*bscale + bzero)
		}
	case -32:
		raw := make([]byte, n*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading float data: %w", err)
		}
		for i := 0; i < n; i++ {
			v := math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
			f.Pixels[i] = float32(float64(v)*bscale + bzero)
		}
	case -64:
		raw := make([]byte, n*8)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading double data: %w", err)
		}
		for i := 0; i < n; i++ {
			v := math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
			f.Pixels[i] = float32(v*bscale + bzero)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return f, nil
}

// WriteFITS writes the frame as a 32-bit float FITS image, the format the
// rest of the processing chain (and other astro tools) reads back losslessly.
func WriteFITS(path string, f *frame.Frame) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	w := bufio.NewWriter(fh)

	records := []string{
		"SIMPLE  =                    T / file conforms to FITS standard",
		"BITPIX  =                  -32 / 32-bit IEEE float",
		"NAXIS   =                    2",
		fmt.Sprintf("NAXIS1  = %20d", f.Width),
		fmt.Sprintf("NAXIS2  = %20d", f.Height),
	}
	if f.Exposure > 0 {
		records = append(records, fmt.Sprintf("EXPTIME = %20.6f", f.Exposure))
	}
	if f.Filter != "" {
		records = append(records, fmt.Sprintf("FILTER  = '%-8s'", f.Filter))
	}
	records = append(records, "END")

	written := 0
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "%-80s", rec); err != nil {
			return err
		}
		written += fitsRecordSize
	}
	for written%fitsBlockSize != 0 {
		if _, err := w.WriteString(strings.Repeat(" ", fitsRecordSize)); err != nil {
			return err
		}
		written += fitsRecordSize
	}

	buf := make([]byte, 4)
	dataBytes := 0
	for _, v := range f.Pixels {
		binary.BigEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
		dataBytes += 4
	}
	// data section pads to a block boundary with zeros
	pad := make([]byte, (fitsBlockSize-dataBytes%fitsBlockSize)%fitsBlockSize)
	if _, err := w.Write(pad); err != nil {
		return err
	}
	return w.Flush()
}
