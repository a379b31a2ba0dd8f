package stage

import (
	"math"
	"sort"
)

// Band is a frequency interval in MHz.
type Band struct {
	Low  float64
	High float64
}

// KnownRFI returns the interference bands catalogued for a backend.
// Tolerance above 1 adds satellite bands, above 2 also Inmarsat and wifi.
// Backends without a catalogue return nil.
func KnownRFI(backend string, tolerance float64) []Band {
	if backend != "Medusa" {
		return nil
	}

	const (
		bandEdge    = 10.0
		lowestFreq  = 704.0
		subBandBW   = 128.0
		numSubBands = 32
	)

	bands := make([]Band, 0, 128)
	for i := 0; i < numSubBands; i++ {
		edge := lowestFreq + subBandBW*float64(i)
		bands = append(bands, Band{edge - bandEdge/2, edge + bandEdge/2})
	}

	// Transmission towers, aliases and the NBN.
	bands = append(bands,
		Band{758.0, 768.0}, Band{768.0, 788.0}, Band{870.0, 875.0}, Band{875.0, 890.0},
		Band{915.0, 928.0}, Band{943.4, 951.8}, Band{953.7, 958.7}, Band{1081.7, 1086.7},
		Band{1720.0, 1736.2}, Band{1805.0, 1825.0}, Band{1845.0, 1865.0}, Band{1973.7, 1991.0},
		Band{2110.0, 2120.0}, Band{2140.0, 2145.0}, Band{2145.0, 2150.0}, Band{2164.9, 2170.1},
		Band{2302.1, 2321.9}, Band{2322.1, 2341.9}, Band{2342.1, 2361.9}, Band{2362.1, 2381.9},
		Band{2487.0, 2496.0}, Band{2670.0, 2690.0}, Band{3445.1, 3464.9}, Band{3550.1, 3569.9},
	)

	// Narrow band transmitters.
	bands = append(bands,
		Band{804.4, 804.6}, Band{2150.0, 2155.0}, Band{847.6, 848.0}, Band{849.4, 849.6},
		Band{848.48, 848.72}, Band{2125.0, 2130.0},
	)
	if tolerance > 1 {
		bands = append(bands, Band{3575.0, 3640.0})
	}

	// Digitiser and unexplained signals.
	bands = append(bands,
		Band{1023.0, 1025.0}, Band{1919.9, 1920.1}, Band{3071.9, 3072.1},
		Band{825.0, 825.0}, Band{1225.0, 1230.0}, Band{1399.9, 1400.2}, Band{1498.0, 1499.0},
		Band{1499.8, 1500.2}, Band{1880.0, 1904.0}, Band{2032.0, 2033.0}, Band{2063.0, 2064.0},
		Band{2077.0, 2078.0}, Band{2079.0, 2080.0}, Band{2093.0, 2094.0}, Band{2160.0, 2161.0},
		Band{2191.0, 2192.0}, Band{2205.0, 2206.0}, Band{2207.0, 2208.0}, Band{2221.0, 2222.0},
		Band{2226.3, 2226.7}, Band{1618.0, 1626.5},
	)

	if tolerance > 1 {
		bands = append(bands,
			Band{1164.0, 1189.0}, Band{1189.0, 1214.0}, Band{1240.0, 1260.0}, Band{1260.0, 1300.0},
		)
	}
	if tolerance > 2 {
		bands = append(bands, Band{1525.0, 1646.5}, Band{2401.0, 2483.0})
	}

	// Mobile networks, ground response and DME beacons.
	bands = append(bands,
		Band{703.0, 713.0}, Band{704.5, 708.0}, Band{713.0, 733.0}, Band{825.1, 829.9},
		Band{830.0, 845.0}, Band{847.6, 848.0}, Band{898.4, 906.4}, Band{906.8, 915.0},
		Band{953.0, 960.1}, Band{1710.0, 1725.0}, Band{1745.0, 1755.0}, Band{2550.0, 2570.0},
		Band{1017.0, 1019.0}, Band{1029.0, 1031.0}, Band{1026.8, 1027.2}, Band{1027.8, 1028.2},
		Band{1032.8, 1033.2}, Band{1040.8, 1041.2}, Band{1061.8, 1062.2}, Band{1067.8, 1068.2},
		Band{1071.8, 1072.2}, Band{1079.2, 1080.2}, Band{1080.8, 1081.2}, Band{1081.8, 1082.2},
		Band{1103.8, 1104.2}, Band{1102.8, 1103.2}, Band{1120.8, 1121.2}, Band{1134.8, 1135.2},
		Band{1137.6, 1138.4}, Band{1149.8, 1150.2}, Band{1150.8, 1151.2},
	)
	return bands
}

// DirtyChannels maps bands onto channel indices of an observation with the
// given centre frequency, bandwidth and channel count. The result is sorted
// and unique; the top channel is never included.
func DirtyChannels(bands []Band, cfreq, bw float64, nchan int) []int {
	if nchan <= 0 || bw == 0 {
		return nil
	}
	width := math.Abs(bw)
	chanBW := width / float64(nchan)
	lowest := cfreq - width/2

	seen := make(map[int]bool)
	for _, b := range bands {
		lo := int(math.Floor((b.Low - lowest) / chanBW))
		hi := int(math.Ceil((b.High - lowest) / chanBW))
		if lo < 0 {
			lo = 0
		}
		if hi > nchan-1 {
			hi = nchan - 1
		}
		for ch := lo; ch < hi; ch++ {
			seen[ch] = true
		}
	}

	out := make([]int, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}
