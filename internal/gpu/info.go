package gpu

import (
	"context"
)

// Info identifies the managed device. It does not change while the
// process runs.
type Info struct {
	Name           string `json:"name"`
	DriverVersion  string `json:"driver_version"`
	UUID           string `json:"uuid,omitempty"`
	PCIBusID       string `json:"pci_bus_id,omitempty"`
	PCIID          string `json:"pci_id,omitempty"`
	PCISubsystemID string `json:"pci_subsystem_id,omitempty"`
	Brand          string `json:"brand,omitempty"`
	Architecture   string `json:"architecture,omitempty"`
}

// Describer is implemented by sources that can report more than the
// device name.
type Describer interface {
	Describe() (Info, error)
}

// Info gathers identification data for the device. The driver version and
// name are required; everything else is best effort.
func (a *Adapter) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	var info Info
	if describer, ok := a.source.(Describer); ok {
		a.callMu.Lock()
		described, err := describer.Describe()
		a.callMu.Unlock()
		if err != nil {
			return Info{}, &QueryError{Field: "name", Err: err}
		}
		info = described
	} else {
		name, err := a.Name(ctx)
		if err != nil {
			return Info{}, err
		}
		info.Name = name
	}

	driver, err := a.DriverVersion(ctx)
	if err != nil {
		return Info{}, err
	}
	info.DriverVersion = driver

	if info.PCIID != "" {
		vendorID, deviceID := splitPCIIdentifier(info.PCIID)
		subVendorID, subDeviceID := splitPCIIdentifier(info.PCISubsystemID)
		if resolved := lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID); shouldUseResolvedName(info.Name, resolved) {
			a.logger.Debug("using pci.ids device name", "reported", info.Name, "resolved", resolved)
			info.Name = resolved
		}
	}

	return info, nil
}
