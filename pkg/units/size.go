// Package units renders byte sizes for tables and progress lines.
package units

import "fmt"

const (
	KB = 1000
	MB = 1000 * KB
	GB = 1000 * MB

	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

var (
	decimalAbbrs = []string{"B", "kB", "MB", "GB", "TB", "PB", "EB"}
	binaryAbbrs  = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
)

func scale(size float64, base float64, abbrs []string) (float64, string) {
	i := 0
	for size >= base && i < len(abbrs)-1 {
		size /= base
		i++
	}
	return size, abbrs[i]
}

// HumanSize uses decimal units with three significant digits, "1.5MB".
func HumanSize(size int64) string {
	v, unit := scale(float64(size), 1000, decimalAbbrs)
	return fmt.Sprintf("%.3g%s", v, unit)
}

// BinarySize uses binary units, "1.5MiB".
func BinarySize(size int64) string {
	v, unit := scale(float64(size), 1024, binaryAbbrs)
	return fmt.Sprintf("%.3g%s", v, unit)
}
