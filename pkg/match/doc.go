/*
Package match evaluates ingested transactions against alert rules.

Candidate selection is O(1) per lookup level via the immutable rule index:
contract-call rules by contract+function (including the wildcard bucket),
token-transfer rules by asset, print-event and failed-transaction rules by
variant, address-activity rules by watched address. Each candidate's
predicate is then evaluated, and matches go through the atomic cooldown
gate, a single conditional UPDATE on the rule row: of K concurrent
matching attempts exactly one creates notifications and the rest return
without error.

A transaction that fails AND matches a contract-call rule fires both that
rule and any failed-transaction rules; each is gated by its own cooldown.

The matcher runs inside the ingestion transaction. Notification rows it
creates become user-visible only through the commit-bound publication in
pkg/notify.
*/
package match
