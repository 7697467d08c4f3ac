/*
Package ratelimit is a distributed token bucket.

Each principal gets one bucket in the shared ephemeral store, refilled
continuously at the configured per-minute rate. Consumption is an atomic
read-modify-write, so every replica draws from the same budget and two
concurrent requests cannot both spend the last token. Store outages fail
open; rejection returns 429.
*/
package ratelimit
