//go:build !linux || !capture

package engine

// openCapture is unavailable without the capture build tag on linux; the
// engine falls back to synthetic sources.
func openCapture(audio, video bool) (mic, cam localSource, err error) {
	return nil, nil, errNoCapture
}
