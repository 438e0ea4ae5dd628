/*
Package quotaholder implements the commission engine: transactional
accounting of quantified resources across holders and projects.

# Model

A holding (holder, source, resource) tracks a limit and two usage
bounds. usage_max reflects pending reservations, usage_min committed
usage; 0 <= usage_min <= usage_max <= limit holds at all times unless a
commission was forced.

A commission reserves one or more provisions atomically. Imports
(positive deltas) raise usage_max at issue and usage_min at accept;
releases (negative deltas) lower usage_min at issue and usage_max at
accept. Rejection undoes the issue-time change. Every resolved provision
is recorded in an immutable provision log together with the holding
state after resolution.

# Protocol

External services call IssueCommission before committing a user-visible
action and ResolvePendingCommissions afterwards. A serial is resolved at
most once: after resolution the commission leaves the pending set and
later resolution attempts report it as not found.
*/
package quotaholder
