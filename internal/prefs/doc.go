// Package prefs turns a job's time and duration preferences into the ordered
// candidate lists the booking engine walks.
package prefs
