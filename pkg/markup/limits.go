package markup

import "errors"

// MaxMessageBytes is the bot API's message body size ceiling.
const MaxMessageBytes = 4096

// MaxCallbackDataLen is the callback_data size limit in bytes.
// NOTE: This is the length of the full string: "scope:action:payload".
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("markup: callback_data too long")
