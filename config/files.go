package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrFlowsFile marks failures reading the flows file
var ErrFlowsFile = errors.New("cannot read flows file")

// fileLimits bounds what semflow accepts from a JSON file on disk
type fileLimits struct {
	kind     string
	maxBytes int64
	maxDepth int
}

var (
	configLimits = fileLimits{kind: "config", maxBytes: 10 << 20, maxDepth: 100}
	// Exported Node-RED workspaces grow large before they grow deep.
	flowsLimits = fileLimits{kind: "flows", maxBytes: 64 << 20, maxDepth: 64}
)

const maxPathLen = 4096

// ReadFlowsFile reads a deployment file. The path must name a regular .json
// file; relative paths may not leave the working directory.
func ReadFlowsFile(path string) ([]byte, error) {
	data, err := flowsLimits.read(path)
	if err != nil {
		return nil, errors.Join(ErrFlowsFile, err)
	}
	return data, nil
}

func (fl fileLimits) read(path string) ([]byte, error) {
	if err := fl.checkPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s file: %w", fl.kind, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s file: %w", fl.kind, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s file %s is not a regular file", fl.kind, path)
	}
	if info.Size() > fl.maxBytes {
		return nil, fmt.Errorf("%s file is %d bytes, limit %d", fl.kind, info.Size(), fl.maxBytes)
	}

	// The file may grow between Stat and the read.
	data, err := io.ReadAll(io.LimitReader(f, fl.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s file: %w", fl.kind, err)
	}
	if int64(len(data)) > fl.maxBytes {
		return nil, fmt.Errorf("%s file exceeds %d bytes", fl.kind, fl.maxBytes)
	}

	if err := checkDepth(data, fl.maxDepth); err != nil {
		return nil, fmt.Errorf("%s file: %w", fl.kind, err)
	}
	return data, nil
}

func (fl fileLimits) checkPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("no %s file given", fl.kind)
	case len(path) > maxPathLen:
		return fmt.Errorf("%s path longer than %d bytes", fl.kind, maxPathLen)
	case filepath.Ext(path) != ".json":
		return fmt.Errorf("%s file %s is not .json", fl.kind, path)
	case !filepath.IsAbs(path) && !filepath.IsLocal(path):
		return fmt.Errorf("%s path %s leaves the working directory", fl.kind, path)
	}
	return nil
}

// checkDepth walks the token stream and fails once arrays and objects nest
// deeper than limit. Syntax errors surface here too.
func checkDepth(data []byte, limit int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > limit {
				return fmt.Errorf("JSON nests deeper than %d levels", limit)
			}
		default:
			depth--
		}
	}
}
