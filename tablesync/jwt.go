package tablesync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the user jwt attached to table calls
// the jwt is used for attribution only, it does not gate access
type UserJwt struct {
	UserId   string
	UserName string
}

func ParseUserJwtUnverified(userJwt string) (*UserJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(userJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims %T", token.Claims)
	}

	user := &UserJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		user.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		user.UserName = userName
	}
	if user.UserName == "" {
		if sub, err := claims.GetSubject(); err == nil {
			user.UserName = sub
		}
	}
	return user, nil
}

// unsigned tokens are enough for attribution. used by tools and tests.
func NewUserJwtUnsigned(userId string, userName string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.MapClaims{
		"user_id":   userId,
		"user_name": userName,
	})
	userJwt, err := token.SignedString(gojwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic(err)
	}
	return userJwt
}
