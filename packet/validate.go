package packet

import "strings"

// ValidateTopicName reports whether name is a legal PUBLISH topic name
// (MQTT-3.3.2-2, MQTT-4.7.3-1): non-empty, free of the "+"/"#" wildcard
// characters that are only meaningful in a subscription filter.
func ValidateTopicName(name string) ReasonCode {
	if name == "" {
		return ErrTopicNameInvalid
	}
	if strings.ContainsAny(name, "+#") {
		return ErrTopicNameInvalid
	}
	return ReasonCode{}
}

// ValidateTopicFilter reports whether filter is a syntactically legal
// SUBSCRIBE/UNSUBSCRIBE topic filter (MQTT-4.7.1-*): "#" may only appear
// as the final level, and "+" may only occupy a whole level. Whether a
// leading wildcard level is allowed to match a "$"-prefixed reserved
// topic (it isn't) is a matching-time concern, handled by topic.Map.Match
// rather than here.
func ValidateTopicFilter(filter string) ReasonCode {
	if filter == "" {
		return ErrTopicFilterInvalid
	}
	levels := strings.Split(filter, "/")
	for i, lvl := range levels {
		switch {
		case lvl == "#" && i != len(levels)-1:
			return ErrTopicFilterInvalid
		case strings.Contains(lvl, "#") && lvl != "#":
			return ErrTopicFilterInvalid
		case strings.Contains(lvl, "+") && lvl != "+":
			return ErrTopicFilterInvalid
		}
	}
	return ReasonCode{}
}

// ValidateQoS reports whether qos is one of the three QoS levels MQTT
// defines (MQTT-3.3.1-4 and the SUBSCRIBE/PUBLISH equivalents); a QoS
// byte of 3 is a protocol error rather than merely unsupported.
func ValidateQoS(qos uint8) ReasonCode {
	if qos > 2 {
		return ErrProtocolError
	}
	return ReasonCode{}
}

// ValidateClientID enforces the v3.1.1 length ceiling on client
// identifiers (MQTT-3.1.3-5): a v3.1.1 server MAY allow longer IDs, but
// one that doesn't must reject them with IdentifierRejected rather than
// silently truncating. v5.0 removed the length ceiling entirely, so
// callers should only invoke this for a VERSION311 CONNECT.
func ValidateClientID(id string, allowLong bool) ReasonCode {
	if !allowLong && len(id) > 23 {
		return ErrClientIdentifierNotValid
	}
	return ReasonCode{}
}
