/*
Package rules builds and caches the alert rule index.

The index is an immutable snapshot over the active rules with four lookup
levels: by contract+function (with a wildcard bucket for any-function
rules), by asset, by watched address, and by rule variant as a fallback.
Each rule snapshot carries its match predicate bound at build time as a
plain function value.

Snapshots are values. Readers never lock: the matcher grabs a reference and
evaluates against a consistent view even while rules mutate concurrently.
The cache contract is coarse: any rule mutation invalidates the whole
index by bumping a version counter, and the next read rebuilds from the
currently active rules only.
*/
package rules
