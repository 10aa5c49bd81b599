/*
Package progress turns a noisy multi-layer image pull event stream into two
stable percentages: download and extract.

Each event updates one layer. A layer seen for the first time is seeded with
its registry-prefetched size when one is known. Done bytes for a completed or
already-present layer equal its size; a completed layer of unknown size counts
as one unit so it still moves the bar.

The denominator is the registry-prefetched total when available. Otherwise it
is the sum of known layer sizes, taken once no new layer has appeared for
DefaultFreezeAfter (tunable with WithFreezeAfter). Once set it never changes:
done bytes are capped at it, and every reported value is max(previous,
computed) capped at 100, so observers see a non-decreasing sequence.
*/
package progress
