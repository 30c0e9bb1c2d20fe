package container

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

const manifestPath = "META-INF/MANIFEST.MF"

// readRedirectEntries reads the container's redirect manifest and
// returns its raw redirect strings, or nil if the container carries no
// manifest or no redirect attribute. Manifest values longer than 72
// bytes are wrapped onto continuation lines starting with a space;
// logical lines are unfolded before the attribute is located.
func readRedirectEntries(h Handle) ([]string, error) {
	rc, err := h.Open(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}

	var logical []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' && len(logical) > 0 {
			logical[len(logical)-1] += line[1:]
			continue
		}
		logical = append(logical, line)
	}

	for _, line := range logical {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Class-Path") {
			return strings.Fields(value), nil
		}
	}
	return nil, nil
}
