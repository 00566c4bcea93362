package mux

import "errors"

var (
	errTimeout       = errors.New("mux: i/o timeout")
	errReset         = errors.New("mux: stream reset by peer")
	errNothingToSend = errors.New("mux: no frame ready")
	errWindowOverrun = errors.New("mux: peer sent more data than its advertised window allows")
)
