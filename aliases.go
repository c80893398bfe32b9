package activities

import (
	"github.com/machinefabric/activities-go/activity"
	"github.com/machinefabric/activities-go/hosts"
)

// Flat re-exports so callers can work with the root package alone.

// Request and result types
type Request = activity.Request
type Result = activity.Result
type Code = activity.Code
type Mode = activity.Mode
type OpenOptions = activity.OpenOptions

var NewRequestID = activity.NewRequestID
var ParseCode = activity.ParseCode

// Error types and helpers
type Error = activity.Error
type ErrorKind = activity.ErrorKind

var KindOf = activity.KindOf
var IsKind = activity.IsKind

// Host side
type Host = hosts.Host
type AcceptOptions = hosts.AcceptOptions
type HostKind = hosts.Kind

var DetectHostKind = hosts.Detect
var AcceptActivity = hosts.Accept

// Result codes
const CodeOK = activity.CodeOK
const CodeCanceled = activity.CodeCanceled
const CodeFailed = activity.CodeFailed

// Delivery modes
const ModeIframe = activity.ModeIframe
const ModePopup = activity.ModePopup
const ModeRedirect = activity.ModeRedirect

// Error kinds
const KindHandshake = activity.KindHandshake
const KindSend = activity.KindSend
const KindDisconnected = activity.KindDisconnected
const KindInvalidTarget = activity.KindInvalidTarget
const KindMalformedRequest = activity.KindMalformedRequest
const KindArgsSchema = activity.KindArgsSchema

// Host kinds
const HostIframe = hosts.KindIframe
const HostPopup = hosts.KindPopup
const HostRedirect = hosts.KindRedirect
