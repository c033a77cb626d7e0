package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

const (
	defaultFeedbackLimit = 100
	maxFeedbackLimit     = 1000
	defaultDiscoverLimit = 20
	maxDiscoverLimit     = 100
)

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, domain.ErrInvalidParam(name, name+" must be an integer between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return v, nil
}

func uintParam(r *http.Request, name string) (*uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, domain.ErrInvalidParam(name, name+" must be a non-negative integer")
	}
	return &v, nil
}

func floatParam(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, domain.ErrInvalidParam(name, name+" must be a number")
	}
	return &v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.ErrInvalidParam(name, name+" must be true or false")
	}
	return v, nil
}

func addressParam(raw, name string) (string, error) {
	if !common.IsHexAddress(raw) {
		return "", domain.ErrInvalidParam(name, name+" must be a 0x-prefixed 20-byte hex address")
	}
	return domain.NormalizeAddress(raw), nil
}
