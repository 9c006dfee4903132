// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadHostList reads one host name per line. Empty lines are
// skipped and # starts a comment extending to the end of the line.
func ReadHostList(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// LoadHostList reads the host names contained in the given file.
func LoadHostList(path string) ([]string, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer fp.Close()
	names, err := ReadHostList(fp)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return names, nil
}
