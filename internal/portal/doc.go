// Package portal is a client for the CourtReserve member portal.
//
// One Client holds one authenticated cookie session for one account at one
// venue. Clients are never shared between jobs.
//
// Wire flow:
//   - Login: GET the login page for baseline cookies, then POST JSON credentials.
//   - Availability: ReadConsolidated returns free court IDs per 30-minute slot;
//     a span is free on a court only if every covered slot lists it.
//   - Booking: a wrapper page embeds the real form URL; the form carries a
//     single-use anti-forgery token plus hidden fields that are merged with the
//     booking parameters and posted to the reservations API.
//   - Details: the pending-charges listing recovers reservation IDs when the
//     create response omits them.
//
// Any call answered with 401/403 refreshes the session once and retries.
package portal
