package jsengine

// timersJS is the JavaScript side of setTimeout/setInterval. Callbacks live
// in __timerCallbacks; the event loop fires them by id.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	function schedule(fn, delay, args, interval) {
		if (typeof fn !== 'function') return 0;
		var id = __timerRegister(Math.max(0, Number(delay) || 0) | 0, interval);
		globalThis.__timerCallbacks[id] = {
			fn: function() {
				try { fn.apply(null, args); } catch (e) { __lw_uncaught(e); }
			},
			interval: interval,
		};
		return id;
	}
	globalThis.setTimeout = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
	};
	globalThis.setInterval = function(fn, delay) {
		return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), true);
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
	globalThis.queueMicrotask = function(fn) {
		Promise.resolve().then(function() {
			try { fn(); } catch (e) { __lw_uncaught(e); }
		});
	};
})();
`

// preludeJS installs the script-facing surface: fetch primitives, events,
// the console, and the runtime namespace. Everything it needs from Go is a
// __lw_* function registered before it runs.
const preludeJS = `
(function() {
	var G = globalThis;

	function errorParts(e) {
		if (e && typeof e === 'object') {
			return [String(e.name || 'Error'), String(e.message === undefined ? e : e.message), String(e.stack || '')];
		}
		return ['Error', String(e), ''];
	}
	G.__lw_uncaught = function(e) {
		var p = errorParts(e);
		__lw_report_error(p[0], p[1], p[2]);
	};
	G.reportError = G.__lw_uncaught;

	// --- binary plumbing ---
	function putBuf(u8) {
		var b = __lw_binmode === 'sab' ? new SharedArrayBuffer(u8.byteLength) : new ArrayBuffer(u8.byteLength);
		new Uint8Array(b).set(u8);
		G.__lw_buf = b;
	}
	function takeBuf() {
		var b = G.__lw_buf;
		delete G.__lw_buf;
		return b ? new Uint8Array(b) : new Uint8Array(0);
	}

	class TextEncoder {
		get encoding() { return 'utf-8'; }
		encode(s) {
			__lw_utf8_encode(s === undefined ? '' : String(s));
			return takeBuf();
		}
	}
	class TextDecoder {
		get encoding() { return 'utf-8'; }
		decode(buf) {
			if (buf === undefined) return '';
			putBuf(toBytes(buf));
			return __lw_utf8_decode();
		}
	}
	G.TextEncoder = TextEncoder;
	G.TextDecoder = TextDecoder;
	var encoder = new TextEncoder();
	var decoder = new TextDecoder();

	function toBytes(v) {
		if (v instanceof Uint8Array) return v;
		if (v instanceof ArrayBuffer) return new Uint8Array(v);
		if (ArrayBuffer.isView(v)) return new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
		if (v instanceof URLSearchParams) return encoder.encode(v.toString());
		return encoder.encode(String(v));
	}

	class DOMException extends Error {
		constructor(message, name) {
			super(message);
			this.name = name || 'Error';
		}
	}
	G.DOMException = DOMException;

	// --- URL ---
	class URLSearchParams {
		constructor(init) {
			this._list = [];
			if (init === undefined || init === null) return;
			if (typeof init === 'string') {
				var s = init.charAt(0) === '?' ? init.slice(1) : init;
				var parts = s.split('&');
				for (var i = 0; i < parts.length; i++) {
					if (!parts[i]) continue;
					var eq = parts[i].indexOf('=');
					var k = eq < 0 ? parts[i] : parts[i].slice(0, eq);
					var v = eq < 0 ? '' : parts[i].slice(eq + 1);
					this._list.push([decodeForm(k), decodeForm(v)]);
				}
			} else if (Array.isArray(init) || init instanceof URLSearchParams) {
				var src = Array.isArray(init) ? init : init._list;
				for (var j = 0; j < src.length; j++) this._list.push([String(src[j][0]), String(src[j][1])]);
			} else {
				for (var key in init) this._list.push([key, String(init[key])]);
			}
		}
		append(k, v) { this._list.push([String(k), String(v)]); this._sync(); }
		delete(k) { this._list = this._list.filter(function(p) { return p[0] !== k; }); this._sync(); }
		get(k) { for (var i = 0; i < this._list.length; i++) if (this._list[i][0] === k) return this._list[i][1]; return null; }
		getAll(k) { return this._list.filter(function(p) { return p[0] === k; }).map(function(p) { return p[1]; }); }
		has(k) { return this.get(k) !== null; }
		set(k, v) {
			var i = this._list.findIndex(function(p) { return p[0] === k; });
			if (i < 0) { this._list.push([String(k), String(v)]); }
			else {
				this._list[i][1] = String(v);
				this._list = this._list.filter(function(p, j) { return j <= i || p[0] !== k; });
			}
			this._sync();
		}
		forEach(cb, thisArg) { for (var i = 0; i < this._list.length; i++) cb.call(thisArg, this._list[i][1], this._list[i][0], this); }
		entries() { return this._list.map(function(p) { return [p[0], p[1]]; })[Symbol.iterator](); }
		keys() { return this._list.map(function(p) { return p[0]; })[Symbol.iterator](); }
		values() { return this._list.map(function(p) { return p[1]; })[Symbol.iterator](); }
		[Symbol.iterator]() { return this.entries(); }
		toString() { return this._list.map(function(p) { return encodeForm(p[0]) + '=' + encodeForm(p[1]); }).join('&'); }
		_sync() { if (this._url) this._url._setSearch(this.toString()); }
	}
	function encodeForm(s) { return encodeURIComponent(s).replace(/%20/g, '+'); }
	function decodeForm(s) { return decodeURIComponent(s.replace(/\+/g, ' ')); }
	G.URLSearchParams = URLSearchParams;

	class URL {
		constructor(href, base) {
			var parsed = __lw_url_parse(String(href), base === undefined ? '' : String(base));
			if (!parsed) throw new TypeError('Invalid URL: ' + href);
			this._p = JSON.parse(parsed);
			this._params = new URLSearchParams(this._p.search);
			this._params._url = this;
		}
		_setSearch(s) {
			var next = JSON.parse(__lw_url_parse(this._p.href.split('#')[0].split('?')[0] + (s ? '?' + s : '') + this._p.hash, ''));
			this._p = next;
		}
		get href() { return this._p.href; }
		get origin() { return this._p.origin; }
		get protocol() { return this._p.protocol; }
		get username() { return this._p.username; }
		get password() { return this._p.password; }
		get host() { return this._p.host; }
		get hostname() { return this._p.hostname; }
		get port() { return this._p.port; }
		get pathname() { return this._p.pathname; }
		get search() { return this._p.search; }
		get hash() { return this._p.hash; }
		get searchParams() { return this._params; }
		toString() { return this._p.href; }
		toJSON() { return this._p.href; }
	}
	G.URL = URL;

	// --- Headers ---
	class Headers {
		constructor(init) {
			this._m = new Map();
			if (!init) return;
			if (init instanceof Headers) {
				var self = this;
				init._m.forEach(function(v, k) { self._m.set(k, v); });
			} else if (Array.isArray(init)) {
				for (var i = 0; i < init.length; i++) this.append(init[i][0], init[i][1]);
			} else {
				for (var k in init) this.append(k, init[k]);
			}
		}
		append(k, v) {
			k = String(k).toLowerCase();
			v = String(v);
			var cur = this._m.get(k);
			this._m.set(k, cur === undefined ? v : cur + ', ' + v);
		}
		set(k, v) { this._m.set(String(k).toLowerCase(), String(v)); }
		get(k) { var v = this._m.get(String(k).toLowerCase()); return v === undefined ? null : v; }
		has(k) { return this._m.has(String(k).toLowerCase()); }
		delete(k) { this._m.delete(String(k).toLowerCase()); }
		forEach(cb, thisArg) {
			var list = this._pairs();
			for (var i = 0; i < list.length; i++) cb.call(thisArg, list[i][1], list[i][0], this);
		}
		entries() { return this._pairs()[Symbol.iterator](); }
		keys() { return this._pairs().map(function(p) { return p[0]; })[Symbol.iterator](); }
		values() { return this._pairs().map(function(p) { return p[1]; })[Symbol.iterator](); }
		[Symbol.iterator]() { return this.entries(); }
		_pairs() {
			var out = [];
			this._m.forEach(function(v, k) { out.push([k, v]); });
			out.sort(function(a, b) { return a[0] < b[0] ? -1 : a[0] > b[0] ? 1 : 0; });
			return out;
		}
	}
	G.Headers = Headers;

	// --- ReadableStream ---
	class ReadableStream {
		constructor(source) {
			var self = this;
			this._q = [];
			this._closed = false;
			this._err = undefined;
			this._errored = false;
			this._waiters = [];
			this._source = source || {};
			this.locked = false;
			this._ctrl = {
				enqueue: function(c) { self._push(c); },
				close: function() { self._close(); },
				error: function(e) { self._fail(e); },
			};
			if (this._source.start) {
				try {
					var r = this._source.start(this._ctrl);
					if (r && typeof r.then === 'function') r.then(null, function(e) { self._fail(e); });
				} catch (e) { this._fail(e); }
			}
		}
		_push(c) {
			if (this._closed || this._errored) return;
			var w = this._waiters.shift();
			if (w) w.resolve({ value: c, done: false });
			else this._q.push(c);
		}
		_close() {
			if (this._closed || this._errored) return;
			this._closed = true;
			var w;
			while ((w = this._waiters.shift())) w.resolve({ value: undefined, done: true });
		}
		_fail(e) {
			if (this._closed || this._errored) return;
			this._errored = true;
			this._err = e;
			var w;
			while ((w = this._waiters.shift())) w.reject(e);
		}
		_read() {
			if (this._q.length) return Promise.resolve({ value: this._q.shift(), done: false });
			if (this._errored) return Promise.reject(this._err);
			if (this._closed) return Promise.resolve({ value: undefined, done: true });
			var self = this;
			var p = new Promise(function(resolve, reject) { self._waiters.push({ resolve: resolve, reject: reject }); });
			if (this._source.pull) {
				try {
					var r = this._source.pull(this._ctrl);
					if (r && typeof r.then === 'function') r.then(null, function(e) { self._fail(e); });
				} catch (e) { this._fail(e); }
			}
			return p;
		}
		getReader() {
			if (this.locked) throw new TypeError('ReadableStream is locked');
			this.locked = true;
			var self = this;
			return {
				read: function() { return self._read(); },
				releaseLock: function() { self.locked = false; },
				cancel: function(reason) { return self.cancel(reason); },
			};
		}
		cancel(reason) {
			this._q = [];
			this._close();
			if (this._source.cancel) {
				try { this._source.cancel(reason); } catch (e) {}
			}
			return Promise.resolve();
		}
		[Symbol.asyncIterator]() {
			var reader = this.getReader();
			return {
				next: function() { return reader.read(); },
				return: function() { reader.releaseLock(); return Promise.resolve({ value: undefined, done: true }); },
			};
		}
	}
	G.ReadableStream = ReadableStream;

	// --- bodies ---
	function extractBody(body, headers) {
		if (body === undefined || body === null) return null;
		if (body instanceof ReadableStream) return body;
		if (typeof body === 'string') {
			if (headers && !headers.has('content-type')) headers.set('content-type', 'text/plain;charset=UTF-8');
		} else if (body instanceof URLSearchParams) {
			if (headers && !headers.has('content-type')) headers.set('content-type', 'application/x-www-form-urlencoded;charset=UTF-8');
		}
		return toBytes(body);
	}
	function readAll(body) {
		if (body === null) return Promise.resolve(new Uint8Array(0));
		if (!(body instanceof ReadableStream)) return Promise.resolve(body);
		var reader = body.getReader();
		var parts = [];
		var total = 0;
		function step() {
			return reader.read().then(function(r) {
				if (r.done) {
					var out = new Uint8Array(total);
					var off = 0;
					for (var i = 0; i < parts.length; i++) { out.set(parts[i], off); off += parts[i].byteLength; }
					return out;
				}
				var b = toBytes(r.value);
				parts.push(b);
				total += b.byteLength;
				return step();
			});
		}
		return step();
	}

	class Body {
		_initBody(body) {
			this._body = body;
			this.bodyUsed = false;
		}
		get body() {
			var b = this._body;
			if (b === null || b instanceof ReadableStream) return b;
			this._body = new ReadableStream({ start: function(c) { if (b.byteLength) c.enqueue(b); c.close(); } });
			return this._body;
		}
		_consume() {
			if (this.bodyUsed) return Promise.reject(new TypeError('Body has already been consumed'));
			this.bodyUsed = true;
			return readAll(this._body);
		}
		arrayBuffer() { return this._consume().then(function(b) { return b.slice().buffer; }); }
		bytes() { return this._consume().then(function(b) { return b.slice(); }); }
		text() { return this._consume().then(function(b) { return decoder.decode(b); }); }
		json() { return this.text().then(function(t) { return JSON.parse(t); }); }
		formData() { return this.text().then(function(t) { return new URLSearchParams(t); }); }
	}

	// --- AbortController ---
	class AbortSignal {
		constructor() {
			this.aborted = false;
			this.reason = undefined;
			this.onabort = null;
			this._listeners = [];
		}
		addEventListener(type, fn) { if (type === 'abort') this._listeners.push(fn); }
		removeEventListener(type, fn) { this._listeners = this._listeners.filter(function(l) { return l !== fn; }); }
		throwIfAborted() { if (this.aborted) throw this.reason; }
		_abort(reason) {
			if (this.aborted) return;
			this.aborted = true;
			this.reason = reason === undefined ? new DOMException('The operation was aborted.', 'AbortError') : reason;
			var ev = { type: 'abort', target: this };
			if (typeof this.onabort === 'function') this.onabort(ev);
			var ls = this._listeners.slice();
			for (var i = 0; i < ls.length; i++) ls[i].call(this, ev);
		}
		static abort(reason) { var s = new AbortSignal(); s._abort(reason); return s; }
		static timeout(ms) {
			var s = new AbortSignal();
			setTimeout(function() { s._abort(new DOMException('The operation timed out.', 'TimeoutError')); }, ms);
			return s;
		}
	}
	class AbortController {
		constructor() { this.signal = new AbortSignal(); }
		abort(reason) { this.signal._abort(reason); }
	}
	G.AbortSignal = AbortSignal;
	G.AbortController = AbortController;

	// --- Request / Response ---
	class Request extends Body {
		constructor(input, init) {
			super();
			init = init || {};
			var src = input instanceof Request ? input : null;
			this.url = src ? src.url : new URL(String(input)).href;
			this.method = String(init.method || (src ? src.method : 'GET')).toUpperCase();
			this.headers = new Headers(init.headers || (src ? src.headers : undefined));
			this.signal = init.signal || (src ? src.signal : new AbortSignal());
			this.redirect = init.redirect || 'follow';
			var body = init.body !== undefined ? init.body : (src ? src._body : null);
			if (body !== null && body !== undefined && (this.method === 'GET' || this.method === 'HEAD')) {
				throw new TypeError('Request with GET/HEAD method cannot have body.');
			}
			this._initBody(extractBody(body, this.headers));
		}
		clone() {
			if (this._body instanceof ReadableStream) throw new TypeError('cannot clone a streaming request');
			return new Request(this);
		}
	}
	G.Request = Request;

	var statusTexts = { 200: 'OK', 201: 'Created', 204: 'No Content', 301: 'Moved Permanently', 302: 'Found',
		304: 'Not Modified', 400: 'Bad Request', 401: 'Unauthorized', 403: 'Forbidden', 404: 'Not Found',
		405: 'Method Not Allowed', 500: 'Internal Server Error', 502: 'Bad Gateway', 503: 'Service Unavailable' };

	class Response extends Body {
		constructor(body, init) {
			super();
			init = init || {};
			this.status = init.status === undefined ? 200 : init.status | 0;
			if (this.status < 200 || this.status > 599) throw new RangeError('Response status must be between 200 and 599');
			this.statusText = init.statusText !== undefined ? String(init.statusText) : (statusTexts[this.status] || '');
			this.headers = new Headers(init.headers);
			this.url = init.url || '';
			this.redirected = false;
			this._initBody(extractBody(body, this.headers));
		}
		get ok() { return this.status >= 200 && this.status < 300; }
		clone() {
			if (this._body instanceof ReadableStream) throw new TypeError('cannot clone a streaming response');
			return new Response(this._body, this);
		}
		static json(data, init) {
			var r = new Response(JSON.stringify(data), init);
			r.headers.set('content-type', 'application/json');
			return r;
		}
		static redirect(url, status) {
			return new Response(null, { status: status || 302, headers: { location: new URL(String(url)).href } });
		}
	}
	G.Response = Response;

	// --- inbound events ---
	function sendBody(id, body) {
		if (body === null) return;
		if (!(body instanceof ReadableStream)) {
			if (body.byteLength) { putBuf(body); __lw_chunk(id); }
			__lw_close(id);
			return;
		}
		var reader = body.getReader();
		function step() {
			return reader.read().then(function(r) {
				if (r.done) { __lw_close(id); return; }
				var b = toBytes(r.value);
				if (b.byteLength) { putBuf(b); __lw_chunk(id); }
				return step();
			});
		}
		step().then(null, function(e) {
			var p = errorParts(e);
			__lw_body_error(id, p[0], p[1], p[2]);
		});
	}
	function respond(id, r) {
		Promise.resolve(r).then(function(resp) {
			if (!(resp instanceof Response)) throw new TypeError('respondWith expects a Response');
			var body = resp._body;
			__lw_respond(id, resp.status, resp.statusText, JSON.stringify(resp.headers._pairs()), body !== null);
			sendBody(id, body);
		}).then(null, function(e) {
			var p = errorParts(e);
			__lw_respond_error(id, p[0], p[1], p[2]);
		});
	}

	class RequestEvent {
		constructor(id, request) {
			this._id = id;
			this._responded = false;
			this.request = request;
		}
		respondWith(r) {
			if (this._responded) throw new TypeError('respondWith has already been called for this event');
			var err = __lw_respond_with(this._id);
			if (err) throw new TypeError(err);
			this._responded = true;
			respond(this._id, r);
		}
	}
	class FetchEvent extends RequestEvent {
		constructor(id, request) {
			super(id, request);
			this.type = 'fetch';
		}
		waitUntil(p) { Promise.resolve(p).then(null, G.__lw_uncaught); }
		passThroughOnException() {}
	}
	G.FetchEvent = FetchEvent;

	function buildRequest(method, url, headersJSON, hasBody, signal) {
		var init = { method: method, headers: JSON.parse(headersJSON), signal: signal };
		if (hasBody) init.body = takeBuf();
		return new Request(url, init);
	}

	var fetchListeners = [];
	G.addEventListener = function(type, fn) {
		if (type === 'fetch' && typeof fn === 'function') fetchListeners.push(fn);
	};
	G.removeEventListener = function(type, fn) {
		fetchListeners = fetchListeners.filter(function(l) { return l !== fn; });
	};

	var signals = {};
	G.__lw_dispatch = function(id, method, url, headersJSON, hasBody) {
		var signal = new AbortSignal();
		signals[id] = signal;
		var ev = new FetchEvent(id, buildRequest(method, url, headersJSON, hasBody, signal));
		for (var i = 0; i < fetchListeners.length; i++) {
			try { fetchListeners[i].call(G, ev); } catch (e) { G.__lw_uncaught(e); return false; }
		}
		if (!ev._responded) delete signals[id];
		return ev._responded;
	};
	G.__lw_abort_event = function(id) {
		var s = signals[id];
		delete signals[id];
		if (s) s._abort();
	};
	G.__lw_forget_event = function(id) { delete signals[id]; };

	// --- promises settled from Go ---
	var nextID = 1;
	var pending = {};
	function await_(fn) {
		var id = nextID++;
		return new Promise(function(resolve, reject) {
			pending[id] = { resolve: resolve, reject: reject };
			try { fn(id); } catch (e) { delete pending[id]; reject(e); }
		});
	}
	function settle(id) { var p = pending[id]; delete pending[id]; return p; }
	G.__lw_settle = function(id, json) { var p = settle(id); if (p) p.resolve(JSON.parse(json)); };
	G.__lw_reject = function(id, name, message) {
		var p = settle(id);
		if (!p) return;
		var e = name === 'TypeError' ? new TypeError(message) : new DOMException(message, name);
		p.reject(e);
	};

	// --- outbound fetch ---
	G.fetch = function(input, init) {
		var req;
		try { req = new Request(input, init); } catch (e) { return Promise.reject(e); }
		if (req.signal.aborted) return Promise.reject(req.signal.reason);
		return readAll(req._body).then(function(body) {
			return await_(function(id) {
				var hasBody = req._body !== null;
				if (hasBody) putBuf(body);
				var err = __lw_fetch(id, req.method, req.url, JSON.stringify(req.headers._pairs()), hasBody);
				if (err) throw new TypeError(err);
				req.signal.addEventListener('abort', function() {
					__lw_fetch_abort(id);
					var p = settle(id);
					if (p) p.reject(req.signal.reason);
				});
			});
		});
	};
	G.__lw_settle_fetch = function(id, status, statusText, headersJSON, url) {
		var body = takeBuf();
		var p = settle(id);
		if (!p) return;
		var resp = new Response(status === 204 || status === 304 ? null : body, { status: status < 200 ? 200 : status, statusText: statusText, headers: JSON.parse(headersJSON) });
		resp.url = url;
		p.resolve(resp);
	};

	// --- console ---
	function inspect(v, depth) {
		depth = depth || 0;
		if (v === null) return 'null';
		if (v === undefined) return 'undefined';
		if (typeof v === 'string') return depth ? JSON.stringify(v) : v;
		if (typeof v === 'function') return '[Function: ' + (v.name || 'anonymous') + ']';
		if (v instanceof Error) return v.stack ? v.name + ': ' + v.message + '\n' + v.stack : v.name + ': ' + v.message;
		if (typeof v !== 'object') return String(v);
		if (depth > 2) return Array.isArray(v) ? '[Array]' : '[Object]';
		if (v instanceof Headers) return 'Headers ' + inspect(Object.fromEntries(v._pairs()), depth + 1);
		if (v instanceof URL) return 'URL ' + JSON.stringify(v.href);
		if (v instanceof Uint8Array) return 'Uint8Array(' + v.length + ') [' + Array.prototype.slice.call(v, 0, 32).join(', ') + (v.length > 32 ? ', ...' : '') + ']';
		if (Array.isArray(v)) return '[ ' + v.map(function(x) { return inspect(x, depth + 1); }).join(', ') + ' ]';
		var keys = Object.keys(v);
		if (!keys.length) return '{}';
		return '{ ' + keys.map(function(k) { return k + ': ' + inspect(v[k], depth + 1); }).join(', ') + ' }';
	}
	function format(args) {
		return Array.prototype.map.call(args, function(a) { return inspect(a); }).join(' ');
	}
	G.console = {
		log: function() { __lw_log('log', format(arguments)); },
		info: function() { __lw_log('info', format(arguments)); },
		warn: function() { __lw_log('warn', format(arguments)); },
		error: function() { __lw_log('error', format(arguments)); },
		debug: function() { __lw_log('debug', format(arguments)); },
	};

	// --- runtime namespace ---
	var envVars = JSON.parse(__lw_env_json);
	var env = Object.freeze({
		get: function(k) { return Object.prototype.hasOwnProperty.call(envVars, k) ? envVars[k] : undefined; },
		has: function(k) { return Object.prototype.hasOwnProperty.call(envVars, k); },
		toObject: function() { return Object.assign({}, envVars); },
		set: function() { throw new TypeError('the worker environment is read-only'); },
		delete: function() { throw new TypeError('the worker environment is read-only'); },
	});
	var caps = JSON.parse(__lw_caps_json);
	var runtime = {
		env: env,
		build: Object.freeze(JSON.parse(__lw_build_json)),
		inspect: function(v) { return inspect(v, 1); },
		capabilities: Object.freeze(caps.slice()),
	};

	class HttpConn {
		constructor(rid) { this.rid = rid; }
		nextRequest() {
			var rid = this.rid;
			return await_(function(id) { __lw_next_request(id, rid); });
		}
		close() { __lw_conn_close(this.rid); }
		[Symbol.asyncIterator]() {
			var self = this;
			return {
				next: function() {
					return self.nextRequest().then(function(ev) { return ev ? { value: ev, done: false } : { value: undefined, done: true }; });
				},
			};
		}
	}
	G.__lw_settle_request = function(id, evID, method, url, headersJSON, hasBody) {
		var p = settle(id);
		var signal = new AbortSignal();
		signals[evID] = signal;
		var ev = new RequestEvent(evID, buildRequest(method, url, headersJSON, hasBody, signal));
		if (p) p.resolve(ev);
	};

	class Listener {
		constructor(addr) { this.addr = addr; }
		accept() {
			return await_(function(id) { __lw_accept(id); }).then(function(c) {
				return {
					rid: c.rid,
					localAddr: c.localAddr,
					remoteAddr: c.remoteAddr,
					close: function() { __lw_conn_close(c.rid); },
				};
			});
		}
		close() { __lw_listener_close(); }
		[Symbol.asyncIterator]() {
			var self = this;
			return {
				next: function() {
					return self.accept().then(function(c) { return { value: c, done: false }; }, function(e) {
						if (e && e.name === 'BadResource') return { value: undefined, done: true };
						throw e;
					});
				},
			};
		}
	}
	if (caps.indexOf('listen') >= 0) {
		runtime.listen = function(opts) {
			opts = opts || {};
			return new Listener(JSON.parse(__lw_listen(String(opts.hostname || ''), opts.port | 0)));
		};
	}
	if (caps.indexOf('serveHttp') >= 0) {
		runtime.serveHttp = function(conn) {
			var err = __lw_serve_http(conn.rid);
			if (err) throw new TypeError(err);
			return new HttpConn(conn.rid);
		};
	}
	G.runtime = Object.freeze(runtime);

	// --- module workers ---
	G.__lw_bind_module = function() {
		var mod = G.__worker_module__;
		var handler = mod && (mod.default || mod);
		if (!handler || typeof handler.fetch !== 'function') return;
		var ctx = {
			waitUntil: function(p) { Promise.resolve(p).then(null, G.__lw_uncaught); },
			passThroughOnException: function() {},
		};
		G.addEventListener('fetch', function(ev) {
			ev.respondWith(handler.fetch(ev.request, env.toObject(), ctx));
		});
	};

	// Runs the script source in global scope and reports a top-level error
	// as JSON.
	G.__lw_load = function() {
		var src = G.__lw_source;
		delete G.__lw_source;
		try {
			(0, eval)(src);
			G.__lw_bind_module();
		} catch (e) {
			var p = errorParts(e);
			return JSON.stringify({ name: p[0], message: p[1], stack: p[2] });
		}
		return '';
	};
})();
`
