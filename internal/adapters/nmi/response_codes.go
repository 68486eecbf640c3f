package nmi

import (
	"regexp"

	pkgerrors "github.com/kevin07696/funnel-service/pkg/errors"
)

// Outcome is how the funnel treats a gateway answer
type Outcome string

const (
	OutcomeApproved    Outcome = "approved"
	OutcomeDeclined    Outcome = "declined"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeVaultError  Outcome = "vault_error"
	OutcomeUnavailable Outcome = "unavailable"
)

// ResponseCodeInfo contains detailed information about a response code
type ResponseCodeInfo struct {
	Code        string
	Description string
	Outcome     Outcome
	Category    pkgerrors.ErrorCategory
	IsRetriable bool
	// StoredCardProblem marks codes that mean the card on file can no longer be used
	StoredCardProblem bool
}

var responseCodes = map[string]ResponseCodeInfo{
	"100": {Code: "100", Description: "Transaction was approved", Outcome: OutcomeApproved, Category: pkgerrors.CategoryApproved},

	"200": {Code: "200", Description: "Transaction was declined by processor", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"201": {Code: "201", Description: "Do not honor", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"202": {Code: "202", Description: "Insufficient funds", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInsufficientFunds, IsRetriable: true},
	"203": {Code: "203", Description: "Over limit", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInsufficientFunds, IsRetriable: true},
	"204": {Code: "204", Description: "Transaction not allowed", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"220": {Code: "220", Description: "Incorrect payment information", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCard, StoredCardProblem: true},
	"221": {Code: "221", Description: "No such card issuer", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCard, StoredCardProblem: true},
	"222": {Code: "222", Description: "No card number on file with issuer", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCard, StoredCardProblem: true},
	"223": {Code: "223", Description: "Expired card", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryExpiredCard, StoredCardProblem: true},
	"224": {Code: "224", Description: "Invalid expiration date", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryExpiredCard, StoredCardProblem: true},
	"225": {Code: "225", Description: "Invalid card security code", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCVV},
	"226": {Code: "226", Description: "Invalid PIN", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCard},
	"240": {Code: "240", Description: "Call issuer for further information", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"250": {Code: "250", Description: "Pick up card", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryFraud},
	"251": {Code: "251", Description: "Lost card", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryFraud},
	"252": {Code: "252", Description: "Stolen card", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryFraud},
	"253": {Code: "253", Description: "Fraudulent card", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryFraud},
	"260": {Code: "260", Description: "Declined with further instructions available", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"261": {Code: "261", Description: "Declined - stop all recurring payments", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"262": {Code: "262", Description: "Declined - stop this recurring program", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined},
	"263": {Code: "263", Description: "Declined - update cardholder data available", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryExpiredCard, StoredCardProblem: true},
	"264": {Code: "264", Description: "Declined - retry in a few days", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryDeclined, IsRetriable: true},

	"300": {Code: "300", Description: "Transaction was rejected by gateway", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidRequest},

	"400": {Code: "400", Description: "Transaction error returned by processor", Outcome: OutcomeDeclined, Category: pkgerrors.CategorySystemError, IsRetriable: true},
	"410": {Code: "410", Description: "Invalid merchant configuration", Outcome: OutcomeDeclined, Category: pkgerrors.CategorySystemError},
	"411": {Code: "411", Description: "Merchant account is inactive", Outcome: OutcomeDeclined, Category: pkgerrors.CategorySystemError},
	"420": {Code: "420", Description: "Communication error", Outcome: OutcomeUnavailable, Category: pkgerrors.CategorySystemError, IsRetriable: true},
	"421": {Code: "421", Description: "Communication error with issuer", Outcome: OutcomeUnavailable, Category: pkgerrors.CategorySystemError, IsRetriable: true},
	"430": {Code: "430", Description: "Duplicate transaction at processor", Outcome: OutcomeDuplicate, Category: pkgerrors.CategoryDeclined},
	"440": {Code: "440", Description: "Processor format error", Outcome: OutcomeDeclined, Category: pkgerrors.CategorySystemError},
	"441": {Code: "441", Description: "Invalid transaction information", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidRequest},
	"460": {Code: "460", Description: "Processor feature not available", Outcome: OutcomeDeclined, Category: pkgerrors.CategorySystemError},
	"461": {Code: "461", Description: "Unsupported card type", Outcome: OutcomeDeclined, Category: pkgerrors.CategoryInvalidCard},
}

// GetResponseCode retrieves information for a gateway response code
func GetResponseCode(code string) ResponseCodeInfo {
	if info, exists := responseCodes[code]; exists {
		return info
	}
	return ResponseCodeInfo{
		Code:        code,
		Description: "Unknown response code",
		Outcome:     OutcomeDeclined,
		Category:    pkgerrors.CategoryDeclined,
	}
}

var (
	duplicatePattern = regexp.MustCompile(`(?i)duplicate transaction(?:\s+REFID:\s*(\d+))?`)

	vaultPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invalid customer vault id`),
		regexp.MustCompile(`(?i)customer vault id .*(not found|does not exist)`),
		regexp.MustCompile(`(?i)vault record .*(not found|deleted)`),
	}

	avsPattern = regexp.MustCompile(`(?i)\bavs\b`)
	cvvPattern = regexp.MustCompile(`(?i)\b(cvv2?|cvc|security code)\b`)
)

// Classification is the funnel-level reading of a non-approved answer
type Classification struct {
	Outcome            Outcome
	Category           pkgerrors.ErrorCategory
	PriorTransactionID string
	Info               ResponseCodeInfo
}

// Classify reads a gateway response. The code table decides first; response
// text refines rejections (code 300) that the table cannot tell apart.
// usedVault reports whether the charge referenced a stored card.
func Classify(resp *Response, usedVault bool) Classification {
	info := GetResponseCode(resp.ResponseCode)
	c := Classification{Outcome: info.Outcome, Category: info.Category, Info: info}

	if resp.Approved() {
		c.Outcome = OutcomeApproved
		c.Category = pkgerrors.CategoryApproved
		return c
	}

	if m := duplicatePattern.FindStringSubmatch(resp.ResponseText); m != nil {
		c.Outcome = OutcomeDuplicate
		c.PriorTransactionID = m[1]
		return c
	}
	if c.Outcome == OutcomeDuplicate {
		return c
	}

	for _, p := range vaultPatterns {
		if p.MatchString(resp.ResponseText) {
			c.Outcome = OutcomeVaultError
			return c
		}
	}

	if usedVault && info.StoredCardProblem {
		c.Outcome = OutcomeVaultError
		return c
	}

	// only an approved-code answer can be approved
	if c.Outcome == OutcomeApproved {
		c.Outcome = OutcomeDeclined
		c.Category = pkgerrors.CategoryDeclined
	}

	if resp.ResponseCode == "300" || resp.ResponseCode == "" {
		switch {
		case avsPattern.MatchString(resp.ResponseText):
			c.Category = pkgerrors.CategoryInvalidAddress
		case cvvPattern.MatchString(resp.ResponseText):
			c.Category = pkgerrors.CategoryInvalidCVV
		}
	}
	return c
}
