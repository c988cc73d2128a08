package internal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Stream framing for the TCP variant: every field ends with a NUL byte and a
// payload is a size field followed by exactly that many bytes.

const fieldTerminator = '\x00'

// MaxFieldLen bounds a single NUL terminated field.
const MaxFieldLen = 4096

var ErrFieldTooLong = errors.New("stream field exceeds maximum length")

func WriteField(w io.Writer, field string) error {
	if strings.IndexByte(field, fieldTerminator) >= 0 {
		return fmt.Errorf("field %q contains a NUL byte", field)
	}
	_, err := io.WriteString(w, field+string(fieldTerminator))
	return err
}

func ReadField(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == fieldTerminator {
			return sb.String(), nil
		}
		if sb.Len() >= MaxFieldLen {
			return "", ErrFieldTooLong
		}
		sb.WriteByte(b)
	}
}

// WritePayload sends size bytes read from src, announced by a size field.
func WritePayload(w io.Writer, src io.Reader, size int64) error {
	if err := WriteField(w, strconv.FormatInt(size, 10)); err != nil {
		return err
	}
	n, err := io.CopyN(w, src, size)
	if err != nil {
		return fmt.Errorf("payload truncated after %d of %d bytes: %w", n, size, err)
	}
	return nil
}

// ReadPayload copies one announced payload into dst and returns its size.
func ReadPayload(r *bufio.Reader, dst io.Writer) (int64, error) {
	field, err := ReadField(r)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(field, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid payload size %q", field)
	}
	n, err := io.CopyN(dst, r, size)
	if err != nil {
		return n, fmt.Errorf("payload truncated after %d of %d bytes: %w", n, size, err)
	}
	return n, nil
}
