// Package progress turns raw byte counters reported by workers into smoothed
// speed and ETA figures. Windows are per task and per stage so velocity never
// leaks across phases with different I/O characteristics.
package progress
