package slicer

// Options bound the slicer's exploration.
type Options struct {
	// MaxFuzzy rejects work items whose fuzzy level plus offset exceeds it.
	MaxFuzzy int
	// MaxCompletedSearches caps register searches per seed.
	MaxCompletedSearches int
	// MaxIterations caps work items of any kind per seed.
	MaxIterations int
	// ArraySearchDepth caps the blocks visited by one array search.
	ArraySearchDepth int
	// TrackForwardReturns lets forward slices continue at the callers of
	// a method whose return value is tracked.
	TrackForwardReturns bool
	// Whitelist maps an API method signature to argument indexes that are
	// known not to carry data (charsets, algorithm names, flags).
	Whitelist map[string][]int
	// Redirects maps an API method signature to a source and destination
	// argument index between which data is copied.
	Redirects map[string]Redirect
}

type Redirect struct {
	Src, Dst int
}

func DefaultOptions() Options {
	return Options{
		MaxFuzzy:             5,
		MaxCompletedSearches: 20000,
		MaxIterations:        200000,
		ArraySearchDepth:     64,
		TrackForwardReturns:  true,
		Whitelist:            DefaultWhitelist(),
		Redirects: map[string]Redirect{
			"Ljava/lang/System;->arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)": {Src: 0, Dst: 2},
		},
	}
}

func DefaultWhitelist() map[string][]int {
	return map[string][]int{
		"Ljava/lang/String;->getBytes(Ljava/lang/String;)":                 {0},
		"Ljava/lang/String;->getBytes(Ljava/nio/charset/Charset;)":         {0},
		"Ljava/lang/String;-><init>([BLjava/lang/String;)":                 {1},
		"Ljava/lang/String;-><init>([BLjava/nio/charset/Charset;)":         {1},
		"Ljavax/crypto/spec/SecretKeySpec;-><init>([BLjava/lang/String;)":  {1},
		"Ljavax/crypto/spec/SecretKeySpec;-><init>([BIILjava/lang/String;)": {1, 2, 3},
		"Landroid/util/Base64;->decode(Ljava/lang/String;I)":               {1},
		"Landroid/util/Base64;->decode([BI)":                               {1},
		"Landroid/util/Base64;->encode([BI)":                               {1},
		"Landroid/util/Base64;->encodeToString([BI)":                       {1},
		"Ljava/lang/String;->substring(II)":                                {0, 1},
		"Ljava/util/Arrays;->copyOf([BI)":                                  {1},
		"Ljava/util/Arrays;->copyOfRange([BII)":                            {1, 2},
	}
}

func (o *Options) whitelisted(signature string, index int) bool {
	for _, i := range o.Whitelist[signature] {
		if i == index {
			return true
		}
	}
	return false
}
