//go:build !linux

package dblock

import "errors"

type markerWatch struct{}

func watchMarker(string) (*markerWatch, error) {
	return nil, errors.New("dblock: marker watch requires linux")
}

func (*markerWatch) Events() <-chan struct{} { return nil }

func (*markerWatch) Close() error { return nil }
