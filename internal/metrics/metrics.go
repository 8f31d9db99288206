/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric exported by the plugin.
const Namespace = "godaddy_caplugin"

var (
	VendorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_vendor_requests_total",
			Help: "Total number of HTTP requests sent to the certificate vendor",
		},
		[]string{"operation", "status"},
	)

	VendorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_vendor_request_duration_seconds",
			Help:    "Vendor HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RateLimitWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    Namespace + "_rate_limit_wait_seconds",
			Help:    "Time spent waiting for outbound rate limiter admission",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	RateLimitBackoffsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_rate_limit_backoffs_total",
			Help: "Total number of times a caller backed off waiting for rate limiter admission",
		},
	)

	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_enrollments_total",
			Help: "Total number of enrollment operations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	PollIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_enrollment_poll_iterations",
			Help:    "Number of status polls needed before an order reached a terminal state",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	SynchronizedCertificates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_synchronized_certificates_total",
			Help: "Total number of certificate records delivered by synchronization",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_http_requests_total",
			Help: "Total number of HTTP requests served by the gateway",
		},
		[]string{"method", "status"},
	)
)
