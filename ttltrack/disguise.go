// SPDX-License-Identifier: GPL-3.0-or-later

package ttltrack

// DisguiseTTL computes the TTL of a decoy packet from the observed
// TTL of the flow using near as the near-hop bound and far as the
// far-hop bound. The result is clamped to [minTTL, maxTTL]; when
// minTTL > maxTTL, maxTTL wins.
//
// The distance (near minus observed) saturates at zero when observed
// is greater than near, hence the computation never wraps around.
func DisguiseTTL(observed, near, far, minTTL, maxTTL uint8) uint8 {
	var distance uint8
	if near > observed {
		distance = near - observed
	}
	distance = min(distance, far)

	ttl := near - distance // cannot wrap: distance <= near - observed
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}
