// Package dotenv loads KEY=VALUE files into the process environment before
// configuration is read.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Pair is one assignment in file order.
type Pair struct {
	Key   string
	Value string
}

// Parse reads dotenv assignments from r. Blank lines and # comments are
// skipped, an "export " prefix is accepted, double-quoted values are
// unescaped, single-quoted values are literal, and unquoted values lose any
// trailing " #" comment. Lines without "=" are an error.
func Parse(r io.Reader) ([]Pair, error) {
	var out []Pair
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}
		val, err := parseValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
		out = append(out, Pair{Key: key, Value: val})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseValue(raw string) (string, error) {
	switch {
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		return strconv.Unquote(raw)
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return raw[1 : len(raw)-1], nil
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw, nil
}

// LoadFile applies the file at path to the environment. A missing file is
// not an error. Variables already set in the environment win.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parse env file %q: %w", path, err)
	}
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.Key); exists {
			continue
		}
		if err := os.Setenv(p.Key, p.Value); err != nil {
			return fmt.Errorf("set env %q from %q: %w", p.Key, path, err)
		}
	}
	return nil
}
