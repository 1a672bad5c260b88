package mux

// runWorker runs the application dispatcher for one logical channel until
// it returns, then reports completion to the handler. Grounded on mux.py's
// _Worker.run, one goroutine per logical channel rather than one OS thread.
func (h *Handler) runWorker(stream *logicalStream) {
	err := h.dispatcher.TransferData(stream)
	h.notifyWorkerDone(stream.ChannelID(), err)
}
