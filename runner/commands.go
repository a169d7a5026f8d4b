package runner

import "rmcast/message"

type command interface{}

// Multicast Content from the process
type sendCmd struct {
	Id      message.ProcessID
	Content string
}

type crashCmd struct {
	Id message.ProcessID
}

type partitionCmd struct {
	A, B message.ProcessID
}

type healCmd struct {
	A, B message.ProcessID
}

type stopCmd struct{}

type response struct {
	id  message.ID
	err error
}
