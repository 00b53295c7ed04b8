package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeTooLarge      = 413
	CodeRateLimited   = 429
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeJobNotFound         = 1001
	CodeJobStatusInvalid    = 1002
	CodeBalanceNotEnough    = 1003
	CodeAlreadyProcessed    = 1004
	CodeAccountNotFound     = 1005
	CodeGenerationFailed    = 1006
	CodeInvalidSignature    = 1007
	CodeInvalidPayload      = 1008
	CodeLedgerInconsistency = 1009
	CodeCheckoutUnavailable = 1010
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Status writes the envelope with an explicit HTTP status.
func Status(c *gin.Context, httpStatus, code int, message string, data interface{}) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func AbortWithStatus(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Status(c, http.StatusBadRequest, CodeParamError, message, nil)
}

func NotFound(c *gin.Context, code int, message string) {
	Status(c, http.StatusNotFound, code, message, nil)
}

func ServerError(c *gin.Context, message string) {
	Status(c, http.StatusInternalServerError, CodeServerError, message, nil)
}

func BusinessError(c *gin.Context, httpStatus, code int, message string) {
	Status(c, httpStatus, code, message, nil)
}
