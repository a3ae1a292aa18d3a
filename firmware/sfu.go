package firmware

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/notnil/servolink/mcb"
)

// ErrImageFormat reports an image that cannot be read.
var ErrImageFormat = errors.New("firmware: invalid image")

var nodePrefix = regexp.MustCompile(`^\s*(\d{1,3})\s*:`)

// ConvertSFU converts a text .sfu image into a binary .lfu image of MCB
// write frames. Each line holds a hex register address followed by hex data,
// optionally prefixed by "node:". Blank lines and lines starting with '#'
// are skipped. It returns the number of frames written.
func ConvertSFU(r io.Reader, w io.Writer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	frames := 0
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		node := uint8(mcb.DefaultNode)
		if m := nodePrefix.FindStringSubmatch(text); m != nil {
			n, err := strconv.ParseUint(m[1], 10, 8)
			if err != nil {
				return frames, fmt.Errorf("%w: line %d: node %s", ErrImageFormat, line, m[1])
			}
			node = uint8(n)
			text = text[len(m[0]):]
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return frames, fmt.Errorf("%w: line %d: want address and data", ErrImageFormat, line)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 16)
		if err != nil || addr > mcb.MaxAddress {
			return frames, fmt.Errorf("%w: line %d: address %q", ErrImageFormat, line, fields[0])
		}
		data, err := hex.DecodeString(strings.Join(fields[1:], ""))
		if err != nil {
			return frames, fmt.Errorf("%w: line %d: %v", ErrImageFormat, line, err)
		}
		frame, err := mcb.Frame{Node: node, Address: uint16(addr), Command: mcb.CmdWrite, Data: data}.MarshalBinary()
		if err != nil {
			return frames, fmt.Errorf("%w: line %d: %v", ErrImageFormat, line, err)
		}
		if _, err := w.Write(frame); err != nil {
			return frames, err
		}
		frames++
	}
	if err := sc.Err(); err != nil {
		return frames, err
	}
	return frames, nil
}

// ReadImage reads a firmware image. .sfu files are converted; .lfu files are
// returned as they are.
func ReadImage(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lfu":
		return os.ReadFile(path)
	case ".sfu":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		var buf bytes.Buffer
		if _, err := ConvertSFU(f, &buf); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: unsupported file %s", ErrImageFormat, filepath.Base(path))
}
