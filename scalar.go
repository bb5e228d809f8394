package torch_loader

import (
	"errors"
	"strconv"
	"strings"
)

const (
	_Ki = 1 << ((iota + 1) * 10)
	_Mi
	_Gi
	_Ti
	_Pi
)

const (
	_Thousand    = 1e3
	_Million     = 1e6
	_Billion     = 1e9
	_Trillion    = 1e12
	_Quadrillion = 1e15
)

type (
	// BytesScalar is the scalar for bytes.
	BytesScalar uint64

	// ElementsScalar is the scalar for counts of tensor elements.
	ElementsScalar uint64
)

var (
	// _BytesBaseUnitMatrix is the base unit matrix for bytes.
	_BytesBaseUnitMatrix = []struct {
		Base float64
		Unit string
	}{
		{_Pi, "Pi"},
		{_Ti, "Ti"},
		{_Gi, "Gi"},
		{_Mi, "Mi"},
		{_Ki, "Ki"},
	}

	// _NumberBaseUnitMatrix is the base unit matrix for numbers.
	_NumberBaseUnitMatrix = []struct {
		Base float64
		Unit string
	}{
		{_Quadrillion, "Q"},
		{_Trillion, "T"},
		{_Billion, "B"},
		{_Million, "M"},
		{_Thousand, "K"},
	}
)

// ParseBytesScalar parses the BytesScalar from the string,
// e.g. "512", "4 KiB", "1.5GiB".
func ParseBytesScalar(s string) (_ BytesScalar, err error) {
	if s == "" {
		return 0, errors.New("invalid BytesScalar")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "B")
	b := float64(1)
	for i := range _BytesBaseUnitMatrix {
		if strings.HasSuffix(s, _BytesBaseUnitMatrix[i].Unit) {
			b = _BytesBaseUnitMatrix[i].Base
			s = strings.TrimSuffix(s, _BytesBaseUnitMatrix[i].Unit)
			break
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errors.New("invalid BytesScalar: negative")
	}
	return BytesScalar(f * b), nil
}

func (s BytesScalar) String() string {
	if s == 0 {
		return "0 B"
	}
	b, u := float64(1), ""
	for i := range _BytesBaseUnitMatrix {
		if float64(s) >= _BytesBaseUnitMatrix[i].Base {
			b = _BytesBaseUnitMatrix[i].Base
			u = _BytesBaseUnitMatrix[i].Unit
			break
		}
	}
	f := strconv.FormatFloat(float64(s)/b, 'f', 2, 64)
	return strings.TrimSuffix(f, ".00") + " " + u + "B"
}

func (s ElementsScalar) String() string {
	if s == 0 {
		return "0"
	}
	b, u := float64(1), ""
	for i := range _NumberBaseUnitMatrix {
		if float64(s) >= _NumberBaseUnitMatrix[i].Base {
			b = _NumberBaseUnitMatrix[i].Base
			u = _NumberBaseUnitMatrix[i].Unit
			break
		}
	}
	f := strconv.FormatFloat(float64(s)/b, 'f', 2, 64)
	return strings.TrimSpace(strings.TrimSuffix(f, ".00") + " " + u)
}
