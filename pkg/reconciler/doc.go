/*
Package reconciler periodically sweeps pending commissions. A crash
between a committed storage transaction and its commission acceptance
leaves the quotaholder holding a reservation; the reconciler finishes
those resolutions in both directions, re-accepting locally committed
serials and rejecting serials with no local record.
*/
package reconciler
