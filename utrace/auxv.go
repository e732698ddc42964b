//go:build linux && amd64

package utrace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const atEntry = 9

var errNoEntry = errors.New("no AT_ENTRY in auxiliary vector")

// auxvEntry returns the runtime entry point of the program running as pid,
// taken from its auxiliary vector.
func auxvEntry(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return 0, err
	}
	return parseAuxvEntry(data)
}

func parseAuxvEntry(data []byte) (uint64, error) {
	for len(data) >= 16 {
		tag := binary.LittleEndian.Uint64(data)
		val := binary.LittleEndian.Uint64(data[8:])
		if tag == atEntry {
			return val, nil
		}
		if tag == 0 {
			break
		}
		data = data[16:]
	}
	return 0, errNoEntry
}
