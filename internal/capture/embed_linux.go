// embed_linux.go — embedded BPF object variant.
//
// This file is compiled when the "bpf_embedded" build tag is set, which
// requires the pre-compiled crash_tracer.bpf.o to exist in this directory.
//
// Build sequence:
//
//	make -C internal/capture              # compile crash_tracer.bpf.c
//	go build -tags bpf_embedded ./...
//
//go:build linux && bpf_embedded

package capture

import _ "embed"

//go:embed crash_tracer.bpf.o
var _embeddedBPFObject []byte

func init() {
	bpfObjectBytes = _embeddedBPFObject
}
