package bronze

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"strings"

	"github.com/rotisserie/eris"
)

// Field is one decoded COPY text value.
type Field struct {
	Value string
	Null  bool
}

// Decode reads COPY text rows from r, splitting on delimiter. It stops at
// EOF or at the "\." end-of-data marker. Every row must have exactly ncols
// fields when ncols > 0.
func Decode(r io.Reader, delimiter byte, ncols int) iter.Seq2[[]Field, error] {
	return func(yield func([]Field, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		for lineNo := 1; ; lineNo++ {
			line, err := br.ReadBytes('\n')
			if len(line) == 0 && err == io.EOF {
				return
			}
			if err != nil && err != io.EOF {
				yield(nil, eris.Wrap(err, "bronze: read row"))
				return
			}
			line = bytes.TrimSuffix(line, []byte{'\n'})
			if string(line) == `\.` {
				return
			}

			fields, derr := decodeLine(line, delimiter)
			if derr == nil && ncols > 0 && len(fields) != ncols {
				derr = eris.Errorf("bronze: row %d has %d fields, want %d", lineNo, len(fields), ncols)
			}
			if derr != nil {
				yield(nil, eris.Wrapf(derr, "bronze: row %d", lineNo))
				return
			}
			if !yield(fields, nil) {
				return
			}
			if err == io.EOF {
				return
			}
		}
	}
}

func decodeLine(line []byte, delimiter byte) ([]Field, error) {
	var (
		fields []Field
		sb     strings.Builder
		raw    = 0 // bytes of the current field as written, for NULL detection
		isNull = false
	)
	flush := func() {
		fields = append(fields, Field{Value: sb.String(), Null: isNull})
		sb.Reset()
		raw = 0
		isNull = false
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == delimiter {
			flush()
			continue
		}
		if c != '\\' {
			sb.WriteByte(c)
			raw++
			continue
		}
		if i+1 >= len(line) {
			return nil, eris.New("trailing backslash")
		}
		i++
		switch line[i] {
		case 'N':
			if raw != 0 || (i+1 < len(line) && line[i+1] != delimiter) {
				return nil, eris.New(`misplaced \N`)
			}
			isNull = true
		case 't':
			sb.WriteByte('\t')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'v':
			sb.WriteByte('\v')
		default:
			sb.WriteByte(line[i])
		}
		raw += 2
	}
	flush()
	return fields, nil
}
