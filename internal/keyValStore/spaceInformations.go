package keyValStore

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// checkFreeSpace refuses to open the store when the volume holding path
// has less than minimumFreeGB of free space left.
func checkFreeSpace(path string, minimumFreeGB int) error {
	if minimumFreeGB <= 0 {
		return nil
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("error retrieving disk usage for %s: %w", path, err)
	}

	freeGB := float64(usage.Free) / 1e9
	log.WithFields(logrus.Fields{
		"Path":       path,
		"Total (GB)": fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Free (GB)":  fmt.Sprintf("%.2f", freeGB),
		"Used (%)":   fmt.Sprintf("%.2f", usage.UsedPercent),
	}).Info("Disk usage")

	if freeGB < float64(minimumFreeGB) {
		return fmt.Errorf("not enough free space on %s: %.2f GB free, %d GB required",
			path, freeGB, minimumFreeGB)
	}
	return nil
}
