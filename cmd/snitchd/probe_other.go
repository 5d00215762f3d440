//go:build !linux

package main

import "github.com/snitchd/snitchd/kernelprobe"

func newPlatformProbe(cfg kernelprobe.Config) kernelprobe.Probe {
	return kernelprobe.NullProbe{}
}
