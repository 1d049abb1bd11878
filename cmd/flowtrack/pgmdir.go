package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/flowtrack/internal/flow"
)

// readPGM decodes a binary (P5) PGM image into a grayscale frame. Header
// comments are skipped. Only 8-bit maxval is supported, which matches what
// ffmpeg emits for image2 output with -pix_fmt gray.
func readPGM(r io.Reader) (*flow.Frame, error) {
	br := bufio.NewReader(r)

	magic, err := pgmToken(br)
	if err != nil {
		return nil, fmt.Errorf("read PGM magic: %w", err)
	}
	if magic != "P5" {
		return nil, fmt.Errorf("unsupported PGM magic %q (only binary P5 is supported)", magic)
	}

	width, err := pgmInt(br, "width")
	if err != nil {
		return nil, err
	}
	height, err := pgmInt(br, "height")
	if err != nil {
		return nil, err
	}
	maxval, err := pgmInt(br, "maxval")
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid PGM dimensions %dx%d", width, height)
	}
	if maxval <= 0 || maxval > 255 {
		return nil, fmt.Errorf("unsupported PGM maxval %d (only 8-bit images are supported)", maxval)
	}

	frame := flow.NewFrame(width, height)
	if _, err := io.ReadFull(br, frame.Pix); err != nil {
		return nil, fmt.Errorf("read %dx%d PGM pixels: %w", width, height, err)
	}
	return frame, nil
}

// pgmToken returns the next whitespace-delimited header token. Comment lines
// introduced by '#' between tokens run to end of line and are skipped.
func pgmToken(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		switch {
		case b == '#' && sb.Len() == 0:
			if _, err := br.ReadString('\n'); err != nil && err != io.EOF {
				return "", err
			}
		case isPGMSpace(b):
			if sb.Len() > 0 {
				return sb.String(), nil
			}
		default:
			sb.WriteByte(b)
		}
	}
}

// pgmInt reads the next header token and parses it as a decimal integer.
func pgmInt(br *bufio.Reader, field string) (int, error) {
	tok, err := pgmToken(br)
	if err != nil {
		return 0, fmt.Errorf("read PGM %s: %w", field, err)
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("parse PGM %s %q: %w", field, tok, err)
	}
	return v, nil
}

func isPGMSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// pgmDirSource replays a directory of P5 PGM files in lexical filename
// order, the layout ffmpeg's image2 muxer produces with a zero-padded
// frame-number pattern.
type pgmDirSource struct {
	paths []string
	next  int
}

// newPGMDirSource scans dir for .pgm files. The directory must hold at
// least one.
func newPGMDirSource(dir string) (*pgmDirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pgm") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .pgm files in %s", dir)
	}
	sort.Strings(paths)
	return &pgmDirSource{paths: paths}, nil
}

// Len reports how many frames the source will deliver.
func (s *pgmDirSource) Len() int {
	return len(s.paths)
}

// Probe decodes the first file's header so callers can record the frame
// geometry before the replay starts. It does not advance the source.
func (s *pgmDirSource) Probe() (width, height int, err error) {
	f, err := os.Open(s.paths[0])
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", s.paths[0], err)
	}
	defer f.Close()
	frame, err := readPGM(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", s.paths[0], err)
	}
	return frame.Width, frame.Height, nil
}

// Next decodes and returns the next frame, or io.EOF once the directory is
// exhausted. Sequence numbers follow the lexical position so archived track
// history lines up with filenames.
func (s *pgmDirSource) Next(ctx context.Context) (*flow.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.next]
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	frame, err := readPGM(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	frame.Seq = uint64(s.next)
	frame.Timestamp = time.Now()
	s.next++
	return frame, nil
}
