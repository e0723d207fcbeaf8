package pipeline

import "regexp"

// noisePhrases mark emails from banks that are not transactions.
var noisePhrases = regexp.MustCompile(`(?i)\b(?:` +
	`successful(?:ly)? log(?:ged)?\s?in|login (?:alert|confirmation|notification)|logged in|new sign[- ]?in|sign[- ]?in attempt|` +
	`security (?:alert|notification)|password (?:reset|change|changed)|one[- ]time password|otp|verification code|token request|` +
	`failed transaction|transaction (?:failed|declined|unsuccessful)|declined|unsuccessful` +
	`)\b`)

func isNoise(s string) bool {
	return s != "" && noisePhrases.MatchString(s)
}
