package wire

// Response codes. The first digit is the class: 1xx informational,
// 2xx success, 4xx client side failure, 5xx device or server failure.
const (
	CodeSalt           = 100
	CodeOK             = 200
	CodeArray          = 201
	CodeRecord         = 202
	CodeBadRequest     = 400
	CodeAuthRequired   = 401
	CodeNoBalance      = 402
	CodeForbidden      = 403
	CodeNoUser         = 404
	CodeBadItem        = 406
	CodeBadFlags       = 407
	CodeDispenseFailed = 500
	CodeNotPossible    = 501
)

// DefaultPort is the well-known TCP port of the dispense server.
const DefaultPort = 11020

// StatusText returns the text the server sends with code.
func StatusText(code int) string {
	switch code {
	case CodeSalt:
		return "User Set"
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "Bad Request"
	case CodeAuthRequired:
		return "Authentication required"
	case CodeNoBalance:
		return "Insufficient balance"
	case CodeForbidden:
		return "Not permitted"
	case CodeNoUser:
		return "Bad user"
	case CodeBadItem:
		return "Bad item"
	case CodeBadFlags:
		return "Invalid flags"
	case CodeDispenseFailed:
		return "Dispense failed"
	case CodeNotPossible:
		return "Dispense not possible"
	default:
		return "Unknown"
	}
}

// IsSuccess reports whether code is in the 2xx class.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
