// Package guestmem models guest-physical memory as a table of regions backed
// by host memory and translates guest-physical ranges into host byte slices.
package guestmem
