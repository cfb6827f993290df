// Package backend defines the backend server value handed around the load
// balancer: its network address, its position in the rotation and the last
// health state observed by the prober.
package backend
