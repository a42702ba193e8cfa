//go:build cgo

package capi

import "testing"

func TestGetInfoWithRDMHints(t *testing.T) {
	hints := AllocInfo()
	defer hints.Free()
	hints.SetEndpointType(EndpointTypeRDM)
	hints.SetCaps(CapMsg | CapRMA)
	hints.SetMRMode(MRModeLocal | MRModeVirtAddr | MRModeAllocated | MRModeProvKey)

	info, err := GetInfo(BuildVersion(), 0, hints)
	if err != nil {
		t.Skipf("no RDM provider with RMA available: %v", err)
	}
	defer info.Free()

	entries := info.Entries()
	if len(entries) == 0 {
		t.Fatalf("expected at least one fi_info entry")
	}
	for _, entry := range entries {
		if entry.ProviderName() == "" {
			t.Fatalf("provider name should not be empty")
		}
		if entry.EndpointType() != EndpointTypeRDM {
			t.Fatalf("provider %q returned endpoint type %s", entry.ProviderName(), entry.EndpointType())
		}
		if entry.Caps()&CapRMA == 0 {
			t.Fatalf("provider %q missing RMA capability", entry.ProviderName())
		}
	}
}
