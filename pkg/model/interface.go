package model

import "strconv"

func formatInterface(i Interface) string {
	return "0x" + strconv.FormatUint(uint64(i), 16)
}

// ParseInterface parses the DEVICE_INTERFACE text ("0x8002" or decimal).
func ParseInterface(s string) (Interface, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return Interface(v), nil
}
