package discovery

import (
	"github.com/alexjbarnes/bep-sync/internal/models"
	"github.com/alexjbarnes/bep-sync/internal/protocol"
)

// AddStatic registers configured addresses for a device. They are tagged
// as global and stay until replaced.
func (r *Registry) AddStatic(device protocol.DeviceID, addresses []string) {
	addrs := make([]models.DeviceAddress, 0, len(addresses))
	for _, a := range addresses {
		addrs = append(addrs, models.DeviceAddress{
			DeviceID: device,
			Address:  a,
			Producer: models.ProducerGlobal,
			Score:    UnprobedScore,
		})
	}

	r.Set(SourceStatic, device, addrs)
}
