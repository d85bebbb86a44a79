package minerconf

import "time"

// DefaultModel is the model written into generated documents.
const DefaultModel = "Antminer S9"

// Default returns a starter document: one group of three pools with the
// stock thermal limits and autotuning enabled at 900 W.
func Default(model string, at time.Time) *Document {
	if model == "" {
		model = DefaultModel
	}

	return &Document{
		Groups: []Group{{
			Name:  "group",
			Quota: 1,
			Pools: []Pool{
				{
					URL:      "stratum2+tcp://us-east.stratum.slushpool.com/u95GEReVMjK6k5YqiSFNqqTnKU4ypU2Wm8awa6tmbmDmk1bWt",
					User:     "UpstreamDataInc.test",
					Password: "123",
				},
				{
					URL:      "stratum2+tcp://stratum.slushpool.com/u95GEReVMjK6k5YqiSFNqqTnKU4ypU2Wm8awa6tmbmDmk1bWt",
					User:     "UpstreamDataInc.test",
					Password: "123",
				},
				{
					URL:      "stratum+tcp://stratum.slushpool.com:3333",
					User:     "UpstreamDataInc.test",
					Password: "123",
				},
			},
		}},
		Format: Format{
			Version:   FormatVersion,
			Model:     model,
			Generator: Generator,
			Timestamp: at.Unix(),
		},
		TempControl: &TempControl{
			TargetTemp:    80.0,
			HotTemp:       90.0,
			DangerousTemp: 120.0,
		},
		Autotuning: &Autotuning{
			Enabled:       true,
			PSUPowerLimit: 900,
		},
	}
}
