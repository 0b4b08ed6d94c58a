//go:build !unix

package citestream

import (
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("mmap unsupported")

func mapFile(*os.File) ([]byte, func() error, error) {
	return nil, nil, errMmapUnsupported
}
