package model

// ProtocolCode is the classification of one bank protocol return code.
type ProtocolCode struct {
	Kind    ErrorKind
	Message string
}

// ProtocolCodes maps FinTS return codes to readable messages. Codes not
// listed keep the bank's own text.
var ProtocolCodes = map[string]ProtocolCode{
	"9000": {KindProtocol, "the bank rejected the request"},
	"9010": {KindProtocol, "the bank could not process the request"},
	"9050": {KindProtocol, "the request contained errors"},
	"9075": {KindInvalidCredentials, "strong customer authentication is required"},
	"9110": {KindProtocol, "the bank did not understand the message structure"},
	"9120": {KindProtocol, "the bank did not expect this message"},
	"9210": {KindProtocol, "the bank rejected the order"},
	"9340": {KindInvalidCredentials, "the login name is unknown"},
	"9800": {KindProtocol, "the bank ended the dialog; start the login again"},
	"9910": {KindInvalidCredentials, "the online banking access is blocked"},
	"9930": {KindInvalidCredentials, "the login name or customer id is wrong"},
	"9931": {KindInvalidCredentials, "the online banking access was locked after too many failed attempts"},
	"9941": {KindInvalidCredentials, "the TAN is invalid"},
	"9942": {KindInvalidCredentials, "the PIN is wrong"},
	"9955": {KindUnsupportedConfiguration, "the selected TAN method is not allowed for this login"},
	"9999": {KindProtocol, "the bank reported an internal error"},
}

// ProtocolError classifies a bank return code. Unknown codes become
// protocol errors carrying the bank's text, truncated.
func ProtocolError(code, text string) *SyncError {
	if c, ok := ProtocolCodes[code]; ok {
		return CodedError(c.Kind, code, c.Message)
	}
	if text == "" {
		text = "bank returned code " + code
	}
	return CodedError(KindProtocol, code, text)
}
