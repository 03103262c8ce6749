package domain

var Tables = []interface{}{
	&BridgeSession{},
	&MessageLog{},
}
