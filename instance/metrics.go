package instance

import (
	"ocm.software/open-component-model/multiregistry/metrics"
)

const component = "instance_cache"

// CacheHitCounterTotal counts lookups that found an existing instance.
// [registry].
var CacheHitCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"cache_hit",
	"Number of times an existing plugin instance was returned.",
	"registry",
)

// CacheMissCounterTotal counts lookups that had to create or wait for an instance.
// [registry].
var CacheMissCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"cache_miss",
	"Number of times no plugin instance existed yet.",
	"registry",
)

// CacheShareCounterTotal counts lookups that joined an instance creation in flight.
// [registry].
var CacheShareCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"cache_share",
	"Number of times an in-flight plugin instance creation was shared.",
	"registry",
)

// CreationDurationHistogram tracks how long creating a plugin instance takes.
// [registry].
var CreationDurationHistogram = metrics.MustRegisterHistogramVec(
	component,
	"creation_duration_seconds",
	"Duration of plugin instance creations in seconds.",
	[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	"registry",
)
